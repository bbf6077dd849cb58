package polls

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterResolveUnregister(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Register("p1", Entry{SessionKey: "s1", QuestionIndex: 0, CorrectOption: 2})

	e, ok := tr.Resolve("p1")
	if !ok || e.CorrectOption != 2 || e.SessionKey != "s1" {
		t.Fatalf("Resolve = %+v, %v", e, ok)
	}
	if _, ok := tr.Resolve("unknown"); ok {
		t.Fatal("unknown poll resolved")
	}

	tr.Unregister("p1")
	tr.Unregister("p1")
	if tr.Len() != 0 {
		t.Fatalf("Len = %d, want 0", tr.Len())
	}
}

func TestForgetSessionLeavesOthers(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Register("a1", Entry{SessionKey: "a"})
	tr.Register("a2", Entry{SessionKey: "a", QuestionIndex: 1})
	tr.Register("b1", Entry{SessionKey: "b"})

	if n := tr.ForgetSession("a"); n != 2 {
		t.Fatalf("ForgetSession = %d, want 2", n)
	}
	if _, ok := tr.Resolve("b1"); !ok {
		t.Fatal("other session's poll was dropped")
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("%d-%d", i, j)
				tr.Register(id, Entry{SessionKey: "s"})
				tr.Resolve(id)
				tr.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	if tr.Len() != 0 {
		t.Fatalf("Len = %d, want 0", tr.Len())
	}
}
