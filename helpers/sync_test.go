package helpers

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/alive/v2"
)

func TestErrorOnce(t *testing.T) {
	t.Parallel()
	var e ErrorOnce
	assert.NoError(t, e.Err())
	assert.False(t, e.Store(nil))

	var wg sync.WaitGroup
	kept := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if e.Store(fmt.Errorf("worker=%d", i)) {
				kept <- i
			}
		}(i)
	}
	wg.Wait()
	close(kept)
	a := assert.New(t)
	a.Len(kept, 1)
	i := <-kept
	a.EqualError(e.Err(), fmt.Sprintf("worker=%d", i))
}

func TestAliveSub(t *testing.T) {
	t.Parallel()
	root, leaf := alive.NewAlive(), alive.NewAlive()
	done := make(chan struct{})
	go func() {
		AliveSub(root, leaf)
		close(done)
	}()
	root.Stop()
	select {
	case <-leaf.StopChan():
	case <-time.After(5 * time.Second):
		t.Fatal("leaf not stopped")
	}
	<-done
}
