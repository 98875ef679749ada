package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncKeyEncoding(t *testing.T) {
	k := SyncKey{Date: "2024-03-05", FractionID: 12}
	assert.Equal(t, "2024-03-05|12", k.String())

	parsed, err := ParseSyncKey("2024-03-05|12")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseSyncKeyRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "2024-03-05", "2024-13-05|1", "2024-03-05|x"} {
		_, err := ParseSyncKey(s)
		assert.Error(t, err, s)
	}
}

func TestPickupEventKeyUsesLocalDate(t *testing.T) {
	loc := time.FixedZone("CET", 3600)

	start, end := PickupWindow(2024, time.March, 5, loc)
	ev := PickupEvent{Start: start, End: end, FractionID: 3}

	assert.Equal(t, "2024-03-05|3", ev.Key().String())
	assert.Equal(t, 3*time.Hour, end.Sub(start))
	assert.Equal(t, 6, start.Hour())
}

func TestOverlaps(t *testing.T) {
	start, end := PickupWindow(2024, time.March, 5, time.UTC)
	ev := PickupEvent{Start: start, End: end}

	assert.True(t, ev.Overlaps(end, end.Add(time.Hour)))
	assert.True(t, ev.Overlaps(start.Add(-time.Hour), start))
	assert.False(t, ev.Overlaps(end.Add(time.Second), end.Add(time.Hour)))
	assert.False(t, ev.Overlaps(start.Add(-2*time.Hour), start.Add(-time.Second)))
}
