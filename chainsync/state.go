// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

// syncState tracks whether the current download iteration accepted blocks
// while the membership filter covering them was known to be incomplete.  Such
// blocks are "partial": they are kept, but the transactions matched for them
// may be missing entries until the filter is regenerated and the blocks
// reprocessed.
//
// The flag is scoped to one download iteration.  It is set by the ingestion
// pipeline and cleared by the recovery steps of DownloadIterationCompleted,
// PrepareForDownload and DownloadFailed.
type syncState struct {
	iterationHasPartialBlocks bool
}

// iteration sets the partial-blocks flag for the current iteration.
func (s *syncState) iteration(hasPartialBlocks bool) {
	s.iterationHasPartialBlocks = hasPartialBlocks
}
