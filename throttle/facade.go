// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package throttle

import (
	"context"
	"sync"
)

// ConnectionThrottler is the handle a connection pool uses to keep the
// connections it opens within the limits of a fixed set of bins. It keeps the
// pool's count of idle connections in every bin, so a pool must use a single
// ConnectionThrottler.
type ConnectionThrottler struct {
	g        *group
	binNames []string
	bins     *binSet
	pools    []*PoolCount
}

// BinNames returns the sorted names of the bins the throttler counts against.
func (ct *ConnectionThrottler) BinNames() []string {
	return ct.binNames
}

// WaitConnectionAvailable blocks until the pool may hand out a connection.
// FromPool means an idle pooled connection must be used, FromCreation that a
// new one must be created (call NoteConnectionDestroyed if that fails), and
// FromNowhere that the group is gone. A ctx error is returned once every
// partial reservation has been undone.
func (ct *ConnectionThrottler) WaitConnectionAvailable(ctx context.Context) (Recommendation, error) {
	return ct.g.waitConnectionAvailable(ctx, ct.bins.connections, ct.pools)
}

// NoteReturnedConnection is called when a connection comes back from use. It
// returns true if the connection must be destroyed, after which
// NoteConnectionDestroyed must be called; otherwise it is now counted as
// pooled.
func (ct *ConnectionThrottler) NoteReturnedConnection() bool {
	return ct.g.noteReturnedConnection(ct.bins.connections, ct.pools)
}

// CheckDestroyPooledConnection is called periodically by the pool. It
// returns true if one idle pooled connection must be destroyed, after which
// NoteConnectionDestroyed must be called.
func (ct *ConnectionThrottler) CheckDestroyPooledConnection() bool {
	return ct.g.checkDestroyPooledConnection(ct.bins.connections, ct.pools)
}

// CheckExpireConnection returns true if the pool holds an idle connection
// that may be expired. The connection is no longer counted as pooled, and
// NoteConnectionDestroyed must be called once it is closed.
func (ct *ConnectionThrottler) CheckExpireConnection() bool {
	return ct.g.checkExpireConnection(ct.bins.connections, ct.pools)
}

// NoteConnectionDestroyed records that a connection not in the pool was
// closed.
func (ct *ConnectionThrottler) NoteConnectionDestroyed() error {
	return ct.g.noteConnectionDestroyed(ct.bins.connections)
}

// NewConnectionFetchThrottler returns the handle pacing fetches over one
// connection.
func (ct *ConnectionThrottler) NewConnectionFetchThrottler() *FetchThrottler {
	return &FetchThrottler{g: ct.g, bins: ct.bins}
}

// FetchThrottler paces document fetches over one connection.
type FetchThrottler struct {
	g    *group
	bins *binSet
}

// ObtainFetchDocumentPermission blocks until a document may be fetched. It
// returns false if the group is gone.
func (ft *FetchThrottler) ObtainFetchDocumentPermission(ctx context.Context) (bool, error) {
	return ft.g.obtainFetchDocumentPermission(ctx, ft.bins.fetches)
}

// CreateFetchStream starts reading one document. The stream must be ended
// with CloseStream, or AbortStream if nothing was read.
func (ft *FetchThrottler) CreateFetchStream() *StreamThrottler {
	ft.g.beginFetch(ft.bins.throttles)
	return &StreamThrottler{g: ft.g, bins: ft.bins.throttles}
}

// StreamThrottler paces the reads of one document.
type StreamThrottler struct {
	g    *group
	bins []*throttleBin

	once sync.Once
}

// ObtainReadPermission blocks until count bytes may be read. Every true
// result must be followed by ReleaseReadPermission or AbortRead. It returns
// false if the group is gone.
func (st *StreamThrottler) ObtainReadPermission(ctx context.Context, count int64) (bool, error) {
	return st.g.obtainReadPermission(ctx, st.bins, count)
}

// ReleaseReadPermission records that a read of count bytes returned actual
// bytes.
func (st *StreamThrottler) ReleaseReadPermission(count, actual int64) error {
	if actual < 0 || actual > count {
		return protocolErrorf("read of %d bytes returned %d", count, actual)
	}
	st.g.releaseReadPermission(st.bins, count, actual)
	return nil
}

// AbortRead gives up a read for which permission was obtained.
func (st *StreamThrottler) AbortRead() {
	st.g.abortRead(st.bins)
}

// CloseStream ends the stream. Later calls do nothing.
func (st *StreamThrottler) CloseStream() error {
	var err error
	st.once.Do(func() { err = st.g.endFetch(st.bins) })
	return err
}

// AbortStream ends a stream from which nothing was read. Later calls, and
// calls after CloseStream, do nothing.
func (st *StreamThrottler) AbortStream() error {
	var err error
	st.once.Do(func() { err = st.g.abortFetch(st.bins) })
	return err
}
