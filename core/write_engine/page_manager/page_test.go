package pagemanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPage_PinUnpin covers pin bookkeeping, including the refusal to go below zero.
func TestPage_PinUnpin(t *testing.T) {
	p := NewPage()
	require.Equal(t, InvalidPageID, p.GetPageID())
	require.Len(t, p.GetData(), PageSize)

	assert.False(t, p.Unpin(), "unpin of an unpinned page must be rejected")
	assert.Equal(t, uint32(0), p.GetPinCount())

	p.Pin()
	p.Pin()
	assert.Equal(t, uint32(2), p.GetPinCount())
	assert.True(t, p.Unpin())
	assert.True(t, p.Unpin())
	assert.False(t, p.Unpin())
	assert.Equal(t, uint32(0), p.GetPinCount())
}

// TestPage_Reset verifies a reset frame is zeroed and unbound.
func TestPage_Reset(t *testing.T) {
	p := NewPage()
	p.SetPageID(7)
	p.SetDirty(true)
	p.Pin()
	p.MarkUpdated(time.Now())
	p.GetData()[0] = 0xAB
	p.GetData()[PageSize-1] = 0xCD

	p.Reset()

	assert.Equal(t, InvalidPageID, p.GetPageID())
	assert.False(t, p.IsDirty())
	assert.Equal(t, uint32(0), p.GetPinCount())
	assert.True(t, p.GetUpdatedAt().IsZero())
	assert.Equal(t, make([]byte, PageSize), p.GetData())
}

func TestPageID_IsValid(t *testing.T) {
	assert.False(t, InvalidPageID.IsValid())
	assert.False(t, HeaderPageID.IsValid())
	assert.True(t, PageID(1).IsValid())
}

// TestPage_LatchExcludesWriters runs concurrent writers under the exclusive
// latch and readers under the shared latch; the race detector flags any tear.
func TestPage_LatchExcludesWriters(t *testing.T) {
	p := NewPage()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(v byte) {
			defer wg.Done()
			p.Lock()
			defer p.Unlock()
			for j := range p.GetData() {
				p.GetData()[j] = v
			}
		}(byte(i))
		go func() {
			defer wg.Done()
			p.RLock()
			defer p.RUnlock()
			first := p.GetData()[0]
			for _, b := range p.GetData() {
				if b != first {
					t.Errorf("torn read: %d != %d", b, first)
					return
				}
			}
		}()
	}
	wg.Wait()
}
