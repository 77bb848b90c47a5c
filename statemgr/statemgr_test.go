package statemgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/rangeset"
)

type fakeDownloader struct{ got []rangeset.Range }

func (f *fakeDownloader) Download(_ context.Context, _ string, r rangeset.Range) error {
	f.got = append(f.got, r)
	return nil
}

type fakeDeleter struct{ got []rangeset.Range }

func (f *fakeDeleter) Delete(_ context.Context, _ string, r rangeset.Range) error {
	f.got = append(f.got, r)
	return nil
}

func TestPingDownloadsMissingRanges(t *testing.T) {
	dl := &fakeDownloader{}
	m := New(dl, &fakeDeleter{})

	desired := rangeset.New(rangeset.Range{Lo: 0, Hi: 99})
	res, err := m.Ping(context.Background(), "ds", desired)
	require.NoError(t, err)
	require.Equal(t, []rangeset.Range{{Lo: 0, Hi: 99}}, res.Downloaded)
	require.Empty(t, res.Deleted)
}

func TestPingDeletesUndesiredRanges(t *testing.T) {
	m := New(&fakeDownloader{}, &fakeDeleter{})
	m.MarkAvailable("ds", rangeset.Range{Lo: 0, Hi: 99})

	res, err := m.Ping(context.Background(), "ds", rangeset.New())
	require.NoError(t, err)
	require.Equal(t, []rangeset.Range{{Lo: 0, Hi: 99}}, res.Deleted)
}

func TestPingDefersDeleteOfLockedRange(t *testing.T) {
	m := New(&fakeDownloader{}, &fakeDeleter{})
	m.MarkAvailable("ds", rangeset.Range{Lo: 0, Hi: 99})

	acq, err := m.UseRange("ds", 50)
	require.NoError(t, err)

	res, err := m.Ping(context.Background(), "ds", rangeset.New())
	require.NoError(t, err)
	require.Empty(t, res.Deleted)
	require.Equal(t, []rangeset.Range{{Lo: 0, Hi: 99}}, res.Deferred)

	acq.Release()
	res, err = m.Ping(context.Background(), "ds", rangeset.New())
	require.NoError(t, err)
	require.Equal(t, []rangeset.Range{{Lo: 0, Hi: 99}}, res.Deleted)
}

func TestUseRangeNotMaterialized(t *testing.T) {
	m := New(&fakeDownloader{}, &fakeDeleter{})
	_, err := m.UseRange("ds", 5)
	require.Error(t, err)
	var notFound *ErrNotMaterialized
	require.ErrorAs(t, err, &notFound)
}
