package pool_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/pool"
)

func newPool(t *testing.T, size int) *pool.Pool {
	t.Helper()
	p, err := pool.New(size, 4, 2, frame.LayoutMono)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p
}

func checkPartition(t *testing.T, p *pool.Pool) {
	t.Helper()
	s := p.Stats()
	if got := s.Empty + s.Ready + s.InConsumer + s.InProducer; got != s.Size {
		t.Fatalf("partition broken: empty=%d ready=%d consumer=%d producer=%d size=%d",
			s.Empty, s.Ready, s.InConsumer, s.InProducer, s.Size)
	}
}

func TestDefaultSize(t *testing.T) {
	p := newPool(t, 0)
	if p.Size() != pool.DefaultSize {
		t.Errorf("Size() = %d, want %d", p.Size(), pool.DefaultSize)
	}
}

func TestFIFOPublishOrder(t *testing.T) {
	p := newPool(t, 3)

	for id := uint64(1); id <= 3; id++ {
		buf, ok := p.AcquireEmpty()
		if !ok {
			t.Fatalf("AcquireEmpty() failed for frame %d", id)
		}
		buf.SourceID = id
		p.PublishReady(buf)
	}

	for want := uint64(1); want <= 3; want++ {
		buf, ok := p.TakeReady()
		if !ok {
			t.Fatalf("TakeReady() returned nothing, want frame %d", want)
		}
		if buf.SourceID != want {
			t.Errorf("TakeReady() = frame %d, want %d", buf.SourceID, want)
		}
	}

	if _, ok := p.TakeReady(); ok {
		t.Error("TakeReady() on empty ready subset returned a buffer")
	}
	checkPartition(t, p)
}

func TestReclaimOldestReadyUnderPressure(t *testing.T) {
	p := newPool(t, 3)

	// Consumer holds one buffer forever
	held, _ := p.AcquireEmpty()
	p.PublishReady(held)
	if _, ok := p.TakeReady(); !ok {
		t.Fatal("TakeReady() failed")
	}

	var lastDropped uint64
	for id := uint64(1); id <= 20; id++ {
		buf, ok := p.AcquireEmpty()
		if !ok {
			t.Fatalf("producer blocked at frame %d", id)
		}
		buf.SourceID = id
		p.PublishReady(buf)

		dropped := p.Dropped()
		if dropped < lastDropped {
			t.Fatalf("dropped counter went backwards: %d -> %d", lastDropped, dropped)
		}
		lastDropped = dropped
		checkPartition(t, p)
	}

	if lastDropped != 18 {
		t.Errorf("Dropped() = %d, want 18", lastDropped)
	}

	// The two newest frames survive, oldest first
	first, _ := p.TakeReady()
	second, _ := p.TakeReady()
	if first.SourceID != 19 || second.SourceID != 20 {
		t.Errorf("ready frames = %d,%d want 19,20", first.SourceID, second.SourceID)
	}
}

func TestAcquireFailsOnlyWhenAllCheckedOut(t *testing.T) {
	p := newPool(t, 2)

	for i := 0; i < 2; i++ {
		buf, _ := p.AcquireEmpty()
		p.PublishReady(buf)
		p.TakeReady()
	}

	if _, ok := p.AcquireEmpty(); ok {
		t.Fatal("AcquireEmpty() succeeded with every buffer in consumer hands")
	}
	checkPartition(t, p)
}

func TestTakeNewestSupersedesOlder(t *testing.T) {
	p := newPool(t, 3)
	for id := uint64(1); id <= 3; id++ {
		buf, _ := p.AcquireEmpty()
		buf.SourceID = id
		p.PublishReady(buf)
	}

	buf, ok := p.TakeNewest()
	if !ok || buf.SourceID != 3 {
		t.Fatalf("TakeNewest() = %v,%v want frame 3", buf, ok)
	}

	s := p.Stats()
	if s.Empty != 2 || s.Ready != 0 || s.InConsumer != 1 || s.Superseded != 2 {
		t.Errorf("unexpected stats after TakeNewest: %+v", s)
	}
}

func TestReleaseIgnoresDoubleRelease(t *testing.T) {
	p := newPool(t, 3)
	buf, _ := p.AcquireEmpty()
	p.PublishReady(buf)
	taken, _ := p.TakeReady()

	p.Release(taken)
	p.Release(taken)

	if s := p.Stats(); s.Empty != 3 {
		t.Errorf("Empty = %d after double release, want 3", s.Empty)
	}
	checkPartition(t, p)
}

func TestResetOrphansConsumerBuffers(t *testing.T) {
	p := newPool(t, 3)
	buf, _ := p.AcquireEmpty()
	buf.Data[0] = 42
	p.PublishReady(buf)
	held, _ := p.TakeReady()

	if err := p.Reset(8, 8, frame.LayoutRGB24); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	// Old buffer still readable by the consumer
	if held.Data[0] != 42 {
		t.Errorf("consumer buffer mutated by Reset")
	}
	p.Release(held)

	s := p.Stats()
	if s.Empty != 3 || s.InConsumer != 0 {
		t.Errorf("unexpected stats after Reset: %+v", s)
	}
	fresh, _ := p.AcquireEmpty()
	if len(fresh.Data) != 8*8*3 {
		t.Errorf("buffer len = %d, want %d", len(fresh.Data), 8*8*3)
	}
}

func TestResetCountsDiscardedReadyFrames(t *testing.T) {
	p := newPool(t, 3)
	for i := 0; i < 2; i++ {
		buf, _ := p.AcquireEmpty()
		p.PublishReady(buf)
	}

	if err := p.Reset(8, 8, frame.LayoutMono); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if got := p.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d after Reset with 2 ready frames, want 2", got)
	}
	if s := p.Stats(); s.Ready != 0 || s.Empty != 3 {
		t.Errorf("unexpected stats after Reset: %+v", s)
	}
}

func TestNoteDropped(t *testing.T) {
	p := newPool(t, 3)
	p.NoteDropped()
	p.NoteDropped()
	if got := p.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	checkPartition(t, p)
}

func TestInvalidGeometry(t *testing.T) {
	_, err := pool.New(3, 0, 10, frame.LayoutMono)
	if !errors.Is(err, pool.ErrAllocation) {
		t.Errorf("New() error = %v, want ErrAllocation", err)
	}
}

// TestPartitionUnderRandomOps drives random operation sequences and checks
// the partition after every step.
func TestPartitionUnderRandomOps(t *testing.T) {
	p := newPool(t, 3)
	rng := rand.New(rand.NewSource(1))

	var producer *frame.ConvertedFrame
	var consumer []*frame.ConvertedFrame

	for step := 0; step < 5000; step++ {
		switch rng.Intn(4) {
		case 0:
			if producer == nil {
				producer, _ = p.AcquireEmpty()
			}
		case 1:
			if producer != nil {
				p.PublishReady(producer)
				producer = nil
			}
		case 2:
			if buf, ok := p.TakeReady(); ok {
				consumer = append(consumer, buf)
			}
		case 3:
			if len(consumer) > 0 {
				i := rng.Intn(len(consumer))
				p.Release(consumer[i])
				consumer = append(consumer[:i], consumer[i+1:]...)
			}
		}
		checkPartition(t, p)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	p := newPool(t, 3)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 10000; i++ {
			buf, ok := p.AcquireEmpty()
			if !ok {
				continue
			}
			buf.SourceID = i
			p.PublishReady(buf)
		}
	}()

	go func() {
		defer wg.Done()
		var last uint64
		for i := 0; i < 10000; i++ {
			buf, ok := p.TakeReady()
			if !ok {
				continue
			}
			if buf.SourceID <= last {
				t.Errorf("out of order: %d after %d", buf.SourceID, last)
			}
			last = buf.SourceID
			p.Release(buf)
		}
	}()

	wg.Wait()
	checkPartition(t, p)
}
