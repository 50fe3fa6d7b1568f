package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockerSerializesSameID(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock(1)

	acquired := make(chan struct{})
	go func() {
		release := l.Lock(1)
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}

func TestLockerIndependentIDs(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock(1)
	defer unlock()

	done := make(chan struct{})
	go func() {
		l.Lock(2)()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different id blocked")
	}
}

func TestLockerCleansUp(t *testing.T) {
	l := NewLocker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Lock(4)
			release()
			release()
		}()
	}
	wg.Wait()
	assert.Zero(t, l.size())
}
