package fastdownloader

import "testing"

func TestPartitionWindows(t *testing.T) {
	tests := []struct {
		name           string
		contentLength  int64
		parallelism    int
		chunkSizeLimit int64
		want           []window
	}{
		{
			name:          "four equal windows, no chunk limit",
			contentLength: 1048576,
			parallelism:   4,
			want: []window{
				{0, 262143},
				{262144, 524287},
				{524288, 786431},
				{786432, 1048575},
			},
		},
		{
			// begin advances from the previous window's capped end, not
			// from the uncapped slice boundary, so a cap compounds: each
			// window after the first starts right where the last one
			// stopped, not at a slice boundary.
			name:           "chunk limit caps each slice, leaving untargeted tail",
			contentLength:  1000000,
			parallelism:    4,
			chunkSizeLimit: 100000,
			want: []window{
				{0, 99999},
				{100000, 199999},
				{200000, 299999},
				{300000, 399999},
			},
		},
		{
			name:          "single partition covers everything",
			contentLength: 2048,
			parallelism:   1,
			want: []window{
				{0, 2047},
			},
		},
		{
			name:          "uneven division puts the remainder in the last window",
			contentLength: 10,
			parallelism:   3,
			want: []window{
				{0, 2},
				{3, 5},
				{6, 9},
			},
		},
		{
			name:          "zero content length yields no windows",
			contentLength: 0,
			parallelism:   4,
			want:          nil,
		},
		{
			name:           "chunk limit larger than every slice behaves like no limit",
			contentLength:  1048576,
			parallelism:    4,
			chunkSizeLimit: 1 << 30,
			want: []window{
				{0, 262143},
				{262144, 524287},
				{524288, 786431},
				{786432, 1048575},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := partitionWindows(tt.contentLength, tt.parallelism, tt.chunkSizeLimit)
			if len(got) != len(tt.want) {
				t.Fatalf("partitionWindows(%d, %d, %d) = %v, want %v",
					tt.contentLength, tt.parallelism, tt.chunkSizeLimit, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("window %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPartitionWindowsSumsToContentLengthWithoutChunkLimit(t *testing.T) {
	const contentLength = 7_000_003
	for _, n := range []int{1, 2, 3, 5, 6} {
		windows := partitionWindows(contentLength, n, 0)
		var sum int64
		prevEnd := int64(-1)
		for _, w := range windows {
			if w.begin != prevEnd+1 {
				t.Errorf("parallelism=%d: window %+v does not start right after previous end %d", n, w, prevEnd)
			}
			sum += w.size()
			prevEnd = w.end
		}
		if sum != contentLength {
			t.Errorf("parallelism=%d: windows sum to %d, want %d", n, sum, contentLength)
		}
		if prevEnd != contentLength-1 {
			t.Errorf("parallelism=%d: last window ends at %d, want %d", n, prevEnd, contentLength-1)
		}
	}
}
