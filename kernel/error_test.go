package kernel

import "testing"

func TestError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected err.Error() to return %q; got %q", err.Message, err.Error())
	}
}

func TestAddrError(t *testing.T) {
	sentinel := &Error{
		Module:  "vmm",
		Message: "address is not mapped",
	}
	err := &AddrError{
		Err:  sentinel,
		Addr: 0xdeadb000,
	}

	if err.Error() != sentinel.Message {
		t.Fatalf("expected err.Error() to return %q; got %q", sentinel.Message, err.Error())
	}
	if err.Addr != 0xdeadb000 {
		t.Fatalf("expected the offending address to be preserved; got 0x%x", err.Addr)
	}
}
