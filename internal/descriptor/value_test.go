// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package descriptor

import "testing"

func TestAssignIdempotent(t *testing.T) {
	var slot Value
	src := Value{Kind: String, Str: NewString([]byte("hello"))}

	slot.Assign(src)
	rc1 := slot.Str.RefCount()

	slot.Assign(src)
	rc2 := slot.Str.RefCount()

	if rc1 != rc2 {
		t.Fatalf("assigning the same value twice changed refcount: %d vs %d", rc1, rc2)
	}
	if slot.Kind != String || string(slot.Str.Bytes()) != "hello" {
		t.Fatalf("unexpected slot contents after Assign: %+v", slot)
	}
}

func TestDupPopRestoresRefcount(t *testing.T) {
	src := Value{Kind: String, Str: NewString([]byte("x"))}
	before := src.Str.RefCount()

	dup := src
	dup.Retain()
	if dup.Str.RefCount() != before+1 {
		t.Fatalf("dup did not bump refcount")
	}
	dup.Release()
	if src.Str.RefCount() != before {
		t.Fatalf("pop did not restore refcount: got %d want %d", src.Str.RefCount(), before)
	}
}

func TestArrayRefcountReleaseOnce(t *testing.T) {
	a := NewArray(4, 0)
	if a.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after NewArray, got %d", a.RefCount())
	}
	a.Retain()
	if a.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after Retain, got %d", a.RefCount())
	}
	a.Release()
	if a.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after first Release, got %d", a.RefCount())
	}
	a.Release()
	if a.RefCount() != 0 {
		t.Fatalf("expected refcount 0 after second Release, got %d", a.RefCount())
	}
}

func TestNullStringOpsNoAlloc(t *testing.T) {
	var h *StringHead
	if h.Len() != 0 {
		t.Fatalf("nil head should report length 0")
	}
	if got := h.Bytes(); got != nil {
		t.Fatalf("nil head Bytes() should be nil, got %v", got)
	}
	h.Retain()  // must not panic
	h.Release() // must not panic
}

func TestAddrChainDereferences(t *testing.T) {
	target := Value{Kind: Integer, I: 42}
	a1 := Value{Kind: Addr, AddrTarget: &target}
	a2 := Value{Kind: Addr, AddrTarget: &a1}

	got, ok := Deref(&a2)
	if !ok {
		t.Fatalf("expected Addr chain to resolve")
	}
	if got.Kind != Integer || got.I != 42 {
		t.Fatalf("unexpected terminus: %+v", got)
	}
}

func TestDanglingAddrFails(t *testing.T) {
	dangling := Value{Kind: Addr}
	_, ok := Deref(&dangling)
	if ok {
		t.Fatalf("expected dangling Addr to fail to resolve")
	}
}

func TestRemovePointerInvalidatedBeforeFree(t *testing.T) {
	h := NewString([]byte("A\x1cB\x1cC"))
	rp := NewRemovePointer(h)

	field, ok := rp.Next('\x1c')
	if !ok || string(field) != "A" {
		t.Fatalf("unexpected first field: %q ok=%v", field, ok)
	}

	// Reassign the owning slot to a brand new value, releasing the old
	// chain. The remove pointer must not be left dangling.
	var slot Value
	slot.Kind, slot.Str = String, h
	slot.Remove = rp

	slot.Release()
	if slot.Remove.Valid() {
		t.Fatalf("remove pointer should have been invalidated before free")
	}
}

func TestStringLengthConsistencyAfterAppend(t *testing.T) {
	h := NewString(make([]byte, MaxStringChunkSize-2))
	h = h.Append([]byte("abcd"))
	if h.Len() != int64(len(h.Bytes())) {
		t.Fatalf("string_len invariant violated: Len()=%d Bytes()=%d", h.Len(), len(h.Bytes()))
	}
}
