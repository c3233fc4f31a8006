package registry

import "testing"

func TestSubscribeClientCapacity(t *testing.T) {
	c := NewClients(1)

	if _, err := c.SubscribeClient("a", "web", &ClientLink{}); err != nil {
		t.Fatalf("first SubscribeClient: %v", err)
	}

	link := &ClientLink{}
	got, err := c.SubscribeClient("b", "web", link)
	if err != ErrCapacity {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	if got != link {
		t.Fatal("SubscribeClient must hand the rejected link back unchanged")
	}
}

func TestTakeClientLinkIsMonotonic(t *testing.T) {
	c := NewClients(10)
	link := &ClientLink{}
	if _, err := c.SubscribeClient("a", "web", link); err != nil {
		t.Fatal(err)
	}

	got, ok := c.TakeClientLink("a")
	if !ok || got != link {
		t.Fatalf("first TakeClientLink: got=%v ok=%v", got, ok)
	}

	_, ok = c.TakeClientLink("a")
	if ok {
		t.Fatal("second TakeClientLink on the same client must report ok=false")
	}
}

func TestCountAndRemove(t *testing.T) {
	c := NewClients(10)
	c.SubscribeClient("a", "web", &ClientLink{})
	c.SubscribeClient("b", "web", &ClientLink{})

	if got := c.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	c.RemoveClient("a")
	if got := c.Count(); got != 1 {
		t.Fatalf("Count() after RemoveClient = %d, want 1", got)
	}
	if _, ok := c.GetInfo("a"); ok {
		t.Fatal("GetInfo must not find a removed client")
	}
}
