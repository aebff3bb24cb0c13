package pmm

import (
	"testing"

	"kos/kernel/mm"
)

func TestAllocFrameNeverReturnsReservedFrame(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(0x100000, 0x400000)

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 4096; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if seen[frame] {
			t.Fatalf("[alloc %d] frame %v returned while still reserved by a prior allocation", i, frame)
		}
		seen[frame] = true

		// Release every third frame; it may be handed out again later
		// but only after it was released.
		if i%3 == 0 {
			if err := alloc.FreeFrame(frame); err != nil {
				t.Fatalf("[alloc %d] unexpected release error: %v", i, err)
			}
			delete(seen, frame)
		}
	}
}

func TestAllocFrameCursorRotation(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(0x100000, 0x200000)

	frame0, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	frame1, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if frame1 != frame0+1 {
		t.Fatalf("expected burst allocations to return sequential frames; got %v then %v", frame0, frame1)
	}

	// Releasing the first frame must not move the cursor backwards; the
	// next allocation continues the forward scan.
	if err := alloc.FreeFrame(frame0); err != nil {
		t.Fatal(err)
	}
	frame2, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame2 != frame1+1 {
		t.Fatalf("expected allocation after release to continue from the cursor; got %v", frame2)
	}
}

func TestAllocFrameExhaustionAndWrap(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(0x100000, 0x200000)

	total := alloc.TotalFrames()
	frames := make([]mm.Frame, 0, total)
	for {
		frame, err := alloc.AllocFrame()
		if err == ErrFrameExhausted {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		frames = append(frames, frame)
	}

	if uint32(len(frames)) != total {
		t.Fatalf("expected to allocate %d frames before exhaustion; got %d", total, len(frames))
	}

	if alloc.FreeFrames() != 0 {
		t.Fatalf("expected no free frames after exhaustion; got %d", alloc.FreeFrames())
	}

	// After releasing a single frame in the middle, the wrap-around scan
	// must find it.
	victim := frames[len(frames)/2]
	if err := alloc.FreeFrame(victim); err != nil {
		t.Fatal(err)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("expected the wrapped scan to find the released frame; got error %v", err)
	}
	if frame != victim {
		t.Fatalf("expected to get back the released frame %v; got %v", victim, frame)
	}
}

func TestFreeFrameValidation(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(0x100000, 0x200000)

	if err := alloc.FreeFrame(mm.Frame(0)); err != ErrFrameOutOfRange {
		t.Fatalf("expected ErrFrameOutOfRange for a frame below the managed region; got %v", err)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if err := alloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}
	if err := alloc.FreeFrame(frame); err != ErrFrameNotAllocated {
		t.Fatalf("expected ErrFrameNotAllocated on double release; got %v", err)
	}
}

func TestInitReservesKernelFrames(t *testing.T) {
	var alloc BitmapAllocator

	// Kernel image overlapping the start of the managed region
	alloc.Init(0x1ff000, 0x202000)

	if got := alloc.ReservedFrames(); got != 2 {
		t.Fatalf("expected the two managed kernel frames to be reserved; got %d", got)
	}

	// The reserved frames must never be returned by AllocFrame
	for i := 0; i < 16; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if addr := frame.Address(); addr >= 0x200000 && addr < 0x202000 {
			t.Fatalf("allocation returned kernel frame %x", addr)
		}
	}
}
