package buildat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransientStoreStoreAndRestore(t *testing.T) {
	store := NewTransientStore()
	store.Store("k", []byte("hello"))

	assert.Equal(t, []byte("hello"), store.Restore("k"))
	assert.Nil(t, store.Restore("k"), "a restored key should be consumed")
}

func TestTransientStoreUnknownKeyYieldsNil(t *testing.T) {
	store := NewTransientStore()
	assert.Nil(t, store.Restore("never-stored"))
}
