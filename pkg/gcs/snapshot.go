// Package gcs exports and imports engine snapshots used for join-time
// catch-up. The application blob is zstd-compressed on the wire.
package gcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

// Export builds a snapshot from the site history and an application
// blob. logStart and logEnd delimit the learned values the sender will
// push after the snapshot.
func Export(history *site.History, appSnap []byte, logStart, logEnd synode.Synode) (*paxos.Snapshot, error) {
	if history.Len() == 0 {
		return nil, fmt.Errorf("gcs: no site history to export")
	}
	compressed, err := compress(appSnap)
	if err != nil {
		return nil, fmt.Errorf("gcs: compress app snapshot: %w", err)
	}
	sites := history.All()
	cp := make([]*site.Site, len(sites))
	for i, s := range sites {
		cp[i] = s.Clone()
	}
	return &paxos.Snapshot{
		Sites:    cp,
		AppSnap:  compressed,
		LogStart: logStart,
		LogEnd:   logEnd,
	}, nil
}

// Import installs the snapshot's configurations into a fresh history
// and returns the decompressed application blob.
func Import(snap *paxos.Snapshot) (*site.History, []byte, error) {
	if len(snap.Sites) == 0 {
		return nil, nil, fmt.Errorf("gcs: snapshot carries no configurations")
	}
	appSnap, err := decompress(snap.AppSnap)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs: decompress app snapshot: %w", err)
	}
	h := &site.History{}
	// Snapshot sites are newest first; push oldest first.
	for i := len(snap.Sites) - 1; i >= 0; i-- {
		h.Push(snap.Sites[i])
	}
	return h, appSnap, nil
}

// Better orders candidate snapshots by (highest boot key, log start,
// log end), all lexicographic.
func Better(cand *paxos.Snapshot, haveBootKey, logStartMax, logEndMax synode.Synode) bool {
	bk := cand.HighestBootKey()
	if synode.Gt(bk, haveBootKey) {
		return true
	}
	if !synode.Eq(bk, haveBootKey) {
		return false
	}
	if synode.Gt(cand.LogStart, logStartMax) {
		return true
	}
	if !synode.Eq(cand.LogStart, logStartMax) {
		return false
	}
	return synode.Gt(cand.LogEnd, logEndMax)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
