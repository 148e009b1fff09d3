// Package testing provides a reusable conformance suite for store.Store
// implementations.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the store.Store contract, not implementation details,
// so it can run against every implementation.
type StoreTestSuite struct {
	// NewStore is a factory function that creates a fresh Store instance
	// for each test. This ensures test isolation.
	NewStore func(t *testing.T) store.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Roots", suite.testRoots)
	t.Run("Documents", suite.testDocuments)
	t.Run("Children", suite.testChildren)
	t.Run("InvalidateDevice", suite.testInvalidateDevice)
	t.Run("Clear", suite.testClear)
	t.Run("Context", suite.testContext)
	t.Run("Close", suite.testClose)
}

func (suite *StoreTestSuite) newStore(t *testing.T) store.Store {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// sampleDocument returns a document with every field set.
func sampleDocument(handle uint32, parent uint32) mtp.Document {
	return mtp.Document{
		ObjectHandle:     handle,
		StorageID:        1,
		ParentHandle:     parent,
		Format:           mtp.FormatEXIFJPEG,
		Name:             "IMG_0001.JPG",
		ModifiedTime:     time.Unix(1_700_000_000, 0).UTC(),
		Size:             4096,
		ThumbnailSize:    128,
		ProtectionStatus: mtp.ProtectionNone,
	}
}

// assertDocument compares documents, using time.Equal for the timestamp.
func assertDocument(t *testing.T, want, got mtp.Document) {
	t.Helper()
	assert.True(t, want.ModifiedTime.Equal(got.ModifiedTime), "modified time %v != %v", want.ModifiedTime, got.ModifiedTime)
	want.ModifiedTime, got.ModifiedTime = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}

func (suite *StoreTestSuite) testRoots(test *testing.T) {
	ctx := context.Background()

	test.Run("MissingDevice", func(t *testing.T) {
		s := suite.newStore(t)
		_, err := s.Roots(ctx, 0)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	test.Run("PutPreservesOrder", func(t *testing.T) {
		s := suite.newStore(t)
		roots := []mtp.Root{
			{DeviceID: 0, StorageID: 0x00020001, Description: "SD", FreeSpace: 1, MaxCapacity: 2},
			{DeviceID: 0, StorageID: 0x00010001, Description: "Internal", FreeSpace: 1024, MaxCapacity: 2048, VolumeIdentifier: "vol"},
		}
		require.NoError(t, s.PutRoots(ctx, 0, roots))

		got, err := s.Roots(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, roots, got)
	})

	test.Run("PutReplaces", func(t *testing.T) {
		s := suite.newStore(t)
		require.NoError(t, s.PutRoots(ctx, 0, []mtp.Root{{StorageID: 1}, {StorageID: 2}}))
		require.NoError(t, s.PutRoots(ctx, 0, []mtp.Root{{StorageID: 3}}))

		got, err := s.Roots(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, uint32(3), got[0].StorageID)
	})

	test.Run("EmptyDrops", func(t *testing.T) {
		s := suite.newStore(t)
		require.NoError(t, s.PutRoots(ctx, 0, []mtp.Root{{StorageID: 1}}))
		require.NoError(t, s.PutRoots(ctx, 0, nil))

		_, err := s.Roots(ctx, 0)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	test.Run("DevicesAreIsolated", func(t *testing.T) {
		s := suite.newStore(t)
		require.NoError(t, s.PutRoots(ctx, 1, []mtp.Root{{DeviceID: 1, StorageID: 1}}))
		require.NoError(t, s.PutRoots(ctx, 10, []mtp.Root{{DeviceID: 10, StorageID: 7}}))

		got, err := s.Roots(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1, "device 1 must not see device 10's roots")
		assert.Equal(t, uint32(1), got[0].StorageID)
	})
}

func (suite *StoreTestSuite) testDocuments(test *testing.T) {
	ctx := context.Background()

	test.Run("PutAndGet", func(t *testing.T) {
		s := suite.newStore(t)
		id := identifier.New(0, 1, 5)
		doc := sampleDocument(5, mtp.ParentRoot)

		require.NoError(t, s.PutDocument(ctx, id, doc))
		got, err := s.Document(ctx, id)
		require.NoError(t, err)
		assertDocument(t, doc, got)
	})

	test.Run("ZeroTimeSurvives", func(t *testing.T) {
		s := suite.newStore(t)
		id := identifier.NewRoot(0, 1)
		doc := mtp.NewRootDocument(mtp.Root{StorageID: 1, Description: "Internal"})

		require.NoError(t, s.PutDocument(ctx, id, doc))
		got, err := s.Document(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.ModifiedTime.IsZero())
	})

	test.Run("HandleMismatch", func(t *testing.T) {
		s := suite.newStore(t)
		err := s.PutDocument(ctx, identifier.New(0, 1, 5), sampleDocument(6, 0))
		assert.Error(t, err)
	})

	test.Run("Missing", func(t *testing.T) {
		s := suite.newStore(t)
		_, err := s.Document(ctx, identifier.New(0, 1, 5))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	test.Run("Delete", func(t *testing.T) {
		s := suite.newStore(t)
		id := identifier.New(0, 1, 5)
		require.NoError(t, s.PutDocument(ctx, id, sampleDocument(5, 0)))
		require.NoError(t, s.PutChildren(ctx, id, []mtp.Document{sampleDocument(6, 5)}))

		require.NoError(t, s.Delete(ctx, id))
		_, err := s.Document(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Children(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// The child document itself is left in place.
		_, err = s.Document(ctx, id.WithHandle(6))
		assert.NoError(t, err)

		assert.NoError(t, s.Delete(ctx, id), "deleting twice is not an error")
	})
}

func (suite *StoreTestSuite) testChildren(test *testing.T) {
	ctx := context.Background()

	test.Run("PutStoresDocumentsAndListing", func(t *testing.T) {
		s := suite.newStore(t)
		parent := identifier.NewRoot(0, 1)
		children := []mtp.Document{sampleDocument(9, mtp.ParentRoot), sampleDocument(3, mtp.ParentRoot)}

		require.NoError(t, s.PutChildren(ctx, parent, children))

		handles, err := s.Children(ctx, parent)
		require.NoError(t, err)
		assert.Equal(t, []uint32{9, 3}, handles)

		got, err := s.Document(ctx, parent.WithHandle(3))
		require.NoError(t, err)
		assertDocument(t, children[1], got)
	})

	test.Run("EmptyListing", func(t *testing.T) {
		s := suite.newStore(t)
		parent := identifier.New(0, 1, 4)
		require.NoError(t, s.PutChildren(ctx, parent, nil))

		handles, err := s.Children(ctx, parent)
		require.NoError(t, err, "an empty folder is a cached listing")
		assert.Empty(t, handles)
	})

	test.Run("InvalidateChildren", func(t *testing.T) {
		s := suite.newStore(t)
		parent := identifier.New(0, 1, 4)
		require.NoError(t, s.PutChildren(ctx, parent, []mtp.Document{sampleDocument(8, 4)}))
		require.NoError(t, s.InvalidateChildren(ctx, parent))

		_, err := s.Children(ctx, parent)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Document(ctx, parent.WithHandle(8))
		assert.NoError(t, err)
	})
}

func (suite *StoreTestSuite) testInvalidateDevice(t *testing.T) {
	ctx := context.Background()
	s := suite.newStore(t)

	for _, device := range []int{1, 10} {
		root := identifier.NewRoot(device, 1)
		require.NoError(t, s.PutRoots(ctx, device, []mtp.Root{{DeviceID: device, StorageID: 1}}))
		require.NoError(t, s.PutChildren(ctx, root, []mtp.Document{sampleDocument(2, mtp.ParentRoot)}))
	}

	require.NoError(t, s.InvalidateDevice(ctx, 1))

	_, err := s.Roots(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Document(ctx, identifier.New(1, 1, 2))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Children(ctx, identifier.NewRoot(1, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Roots(ctx, 10)
	assert.NoError(t, err, "other devices keep their entries")
	_, err = s.Document(ctx, identifier.New(10, 1, 2))
	assert.NoError(t, err)
	_, err = s.Children(ctx, identifier.NewRoot(10, 1))
	assert.NoError(t, err)
}

func (suite *StoreTestSuite) testClear(t *testing.T) {
	ctx := context.Background()
	s := suite.newStore(t)

	require.NoError(t, s.PutRoots(ctx, 0, []mtp.Root{{StorageID: 1}}))
	require.NoError(t, s.PutDocument(ctx, identifier.New(0, 1, 2), sampleDocument(2, 0)))
	require.NoError(t, s.Clear(ctx))

	_, err := s.Roots(ctx, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Document(ctx, identifier.New(0, 1, 2))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func (suite *StoreTestSuite) testContext(t *testing.T) {
	s := suite.newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.PutRoots(ctx, 0, []mtp.Root{{StorageID: 1}}), context.Canceled)
	_, err := s.Document(ctx, identifier.New(0, 1, 2))
	assert.ErrorIs(t, err, context.Canceled)
}

func (suite *StoreTestSuite) testClose(t *testing.T) {
	s := suite.NewStore(t)
	require.NoError(t, s.Close())

	_, err := s.Roots(context.Background(), 0)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.NoError(t, s.Close(), "closing twice is a no-op")
}
