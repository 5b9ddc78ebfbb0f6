package corolock

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReaderWriterLock_ReadersRunInParallel(t *testing.T) {
	var l ReaderWriterLock
	const n = 5
	var active int32
	var maxActive int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			h, err := l.WaitForRead(context.Background())
			if err != nil {
				t.Errorf("WaitForRead: %v", err)
				return
			}
			cur := atomic.AddInt32(&active, 1)
			for {
				max := atomic.LoadInt32(&maxActive)
				if cur <= max || atomic.CompareAndSwapInt32(&maxActive, max, cur) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			h.Close()
		}()
	}

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if maxActive < 2 {
		t.Fatalf("maxActive = %d, want concurrent readers (>=2)", maxActive)
	}
}

func TestReaderWriterLock_WriterExcludesReaders(t *testing.T) {
	var l ReaderWriterLock
	readerN := runtime.GOMAXPROCS(0)
	const loops = 200
	var readers int32
	var writers int32

	var wg sync.WaitGroup
	wg.Add(readerN + 1)

	for range readerN {
		go func() {
			defer wg.Done()
			for range loops {
				h, err := l.WaitForRead(context.Background())
				if err != nil {
					t.Errorf("WaitForRead: %v", err)
					return
				}
				atomic.AddInt32(&readers, 1)
				if atomic.LoadInt32(&writers) != 0 {
					t.Errorf("reader observed active writer")
				}
				atomic.AddInt32(&readers, -1)
				h.Close()
			}
		}()
	}

	go func() {
		defer wg.Done()
		for range loops {
			h, err := l.WaitForWrite(context.Background())
			if err != nil {
				t.Errorf("WaitForWrite: %v", err)
				return
			}
			if atomic.AddInt32(&writers, 1) != 1 {
				t.Errorf("multiple writers active")
			}
			if atomic.LoadInt32(&readers) != 0 {
				t.Errorf("writer observed active readers")
			}
			atomic.AddInt32(&writers, -1)
			h.Close()
		}
	}()

	wg.Wait()
}

func TestReaderWriterLock_PendingReadersMergeAfterWriterDeparts(t *testing.T) {
	var l ReaderWriterLock

	firstReader, err := l.WaitForRead(context.Background())
	if err != nil {
		t.Fatalf("WaitForRead: %v", err)
	}

	writerDone := make(chan error, 1)
	go func() {
		h, err := l.WaitForWrite(context.Background())
		if err != nil {
			writerDone <- err
			return
		}
		h.Close()
		writerDone <- nil
	}()
	time.Sleep(10 * time.Millisecond)

	const pendingN = 4
	pendingDone := make(chan error, pendingN)
	for range pendingN {
		go func() {
			h, err := l.WaitForRead(context.Background())
			if err == nil {
				h.Close()
			}
			pendingDone <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)

	firstReader.Close()

	if err := <-writerDone; err != nil {
		t.Fatalf("writer err = %v", err)
	}
	for range pendingN {
		select {
		case err := <-pendingDone:
			if err != nil {
				t.Fatalf("pending reader err = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending reader never merged into reading after writer departed")
		}
	}
}

func TestReaderWriterLock_TryVariants(t *testing.T) {
	var l ReaderWriterLock
	h1, ok := l.TryEnterRead()
	if !ok {
		t.Fatal("TryEnterRead should succeed in Idle")
	}
	h2, ok := l.TryEnterRead()
	if !ok {
		t.Fatal("TryEnterRead should succeed in Reading")
	}
	if _, ok := l.TryEnterWrite(); ok {
		t.Fatal("TryEnterWrite should fail while readers active")
	}
	h1.Close()
	h2.Close()

	h3, ok := l.TryEnterWrite()
	if !ok {
		t.Fatal("TryEnterWrite should succeed in Idle")
	}
	if _, ok := l.TryEnterRead(); ok {
		t.Fatal("TryEnterRead should fail while writer active")
	}
	h3.Close()
}

func TestReaderWriterLock_WriterCancelHandsOffToNextWriter(t *testing.T) {
	var l ReaderWriterLock
	reader, err := l.WaitForRead(context.Background())
	if err != nil {
		t.Fatalf("WaitForRead: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelledDone := make(chan error, 1)
	go func() {
		_, err := l.WaitForWrite(cancelCtx)
		cancelledDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	nextDone := make(chan error, 1)
	go func() {
		h, err := l.WaitForWrite(context.Background())
		if err == nil {
			h.Close()
		}
		nextDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	if err := <-cancelledDone; !IsCancelled(err) {
		t.Fatalf("cancelled writer err = %v, want cancelled", err)
	}
	reader.Close()

	select {
	case err := <-nextDone:
		if err != nil {
			t.Fatalf("next writer err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("next writer never acquired after cancellation")
	}
}
