package rim

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatisticsDump(t *testing.T) {
	s := MakeStatistics()
	s.Update(0, 1.5, Report{Cost: 1.2, ChiSquared: 30}, 1e-3)
	s.Update(1, 0.9, Report{Cost: 0.8, ChiSquared: 12}, 5e-4)

	filename := filepath.Join(t.TempDir(), "history.csv")
	require.NoError(t, s.Dump(filename))

	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3, "header plus two epochs")
	assert.Equal(t, "epoch", records[0][0])
	assert.Equal(t, "1", records[2][0])
	assert.Equal(t, "0.900000", records[2][1])
}
