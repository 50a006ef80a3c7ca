package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnodedb/dcdb/causal"
)

func TestDispatchExecutesInReceiveOrderPerQueue(t *testing.T) {
	var mu sync.Mutex
	got := make(map[int][]int)

	p := New(Config{Workers: 2, TickInterval: time.Hour}, func(idx int, m Msg) {
		mu.Lock()
		got[idx] = append(got[idx], int(m.Token))
		mu.Unlock()
	})
	p.Start()

	for i := 0; i < 20; i++ {
		p.DispatchTo(i%2, Msg{Kind: MsgCommand, Token: causal.Token(i)})
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	for idx, seq := range got {
		for j := 1; j < len(seq); j++ {
			if seq[j] < seq[j-1] {
				t.Fatalf("worker %d processed out of order: %v", idx, seq)
			}
		}
	}
}

func TestStopDrainsBeforeJoining(t *testing.T) {
	var handled int64
	p := New(Config{Workers: 3, TickInterval: time.Hour}, func(int, Msg) {
		atomic.AddInt64(&handled, 1)
	})
	p.Start()
	for i := 0; i < 30; i++ {
		p.Dispatch(Msg{Kind: MsgCommand})
	}
	p.Stop()
	if n := atomic.LoadInt64(&handled); n != 30 {
		t.Fatalf("expected every queued message handled before Stop returned, got %d/30", n)
	}
}
