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


package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/binthrottle/monitoring"
	"github.com/google/binthrottle/throttle"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

var errGroupGone = errors.New("throttle group removed")

// hostPool is the HTTP connection pool of one host, counted against the
// host's bin.
type hostPool struct {
	ct        *throttle.ConnectionThrottler
	transport *http.Transport
	client    *http.Client
}

// closeIdle closes every idle connection of the pool and takes them out of
// the bin's pooled count.
func (p *hostPool) closeIdle() error {
	p.transport.CloseIdleConnections()
	var errs []error
	for p.ct.CheckExpireConnection() {
		errs = append(errs, p.ct.NoteConnectionDestroyed())
	}
	return errors.Join(errs...)
}

// fetcher downloads documents, throttled per host.
type fetcher struct {
	t         *throttle.Throttler
	groupType string
	group     string
	// limiter caps the fetch rate of this process on top of the shared
	// limits. Nil means no cap.
	limiter *rate.Limiter

	mu    sync.Mutex
	pools map[string]*hostPool
}

func newFetcher(t *throttle.Throttler, groupType, group string, qps float64) *fetcher {
	f := &fetcher{
		t:         t,
		groupType: groupType,
		group:     group,
		pools:     make(map[string]*hostPool),
	}
	if qps > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
	return f
}

func (f *fetcher) pool(ctx context.Context, host string) (*hostPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pools[host]; ok {
		return p, nil
	}
	ct, err := f.t.ObtainConnectionThrottler(ctx, f.groupType, f.group, []string{host})
	if err != nil {
		return nil, err
	}
	if ct == nil {
		return nil, errGroupGone
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	p := &hostPool{ct: ct, transport: tr, client: &http.Client{Transport: tr}}
	f.pools[host] = p
	return p, nil
}

// fetch downloads rawURL and returns the number of body bytes read.
func (f *fetcher) fetch(ctx context.Context, rawURL string) (int64, error) {
	ctx, spanEnd := monitoring.StartSpan(ctx, "throttled_fetch.fetch")
	defer spanEnd()

	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	if u.Hostname() == "" {
		return 0, fmt.Errorf("%q has no host", rawURL)
	}
	p, err := f.pool(ctx, u.Hostname())
	if err != nil {
		return 0, err
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	rec, err := p.ct.WaitConnectionAvailable(ctx)
	if err != nil {
		return 0, err
	}
	if rec == throttle.FromNowhere {
		return 0, errGroupGone
	}
	klog.V(2).Infof("%s: connection %v", u.Hostname(), rec)

	n, err := f.fetchOver(ctx, p, u)
	if err != nil {
		// The failed connection is never reused.
		return n, errors.Join(err, p.ct.NoteConnectionDestroyed(), p.closeIdle())
	}
	if p.ct.NoteReturnedConnection() {
		return n, errors.Join(p.ct.NoteConnectionDestroyed(), p.closeIdle())
	}
	return n, nil
}

func (f *fetcher) fetchOver(ctx context.Context, p *hostPool, u *url.URL) (int64, error) {
	ft := p.ct.NewConnectionFetchThrottler()
	ok, err := ft.ObtainFetchDocumentPermission(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errGroupGone
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET %s: %s", u, resp.Status)
	}

	st := ft.CreateFetchStream()
	n, err := io.Copy(io.Discard, &throttledReader{ctx: ctx, st: st, r: resp.Body})
	if n == 0 && err != nil {
		return 0, errors.Join(err, st.AbortStream())
	}
	return n, errors.Join(err, st.CloseStream())
}

// sweep destroys pooled connections that exceed their bins' shares.
func (f *fetcher) sweep() {
	f.mu.Lock()
	pools := make(map[string]*hostPool, len(f.pools))
	for host, p := range f.pools {
		pools[host] = p
	}
	f.mu.Unlock()

	for host, p := range pools {
		if !p.ct.CheckDestroyPooledConnection() {
			continue
		}
		if err := errors.Join(p.ct.NoteConnectionDestroyed(), p.closeIdle()); err != nil {
			klog.Errorf("%s: closing pooled connections: %v", host, err)
		}
	}
}

// close closes the idle connections of every pool.
func (f *fetcher) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for host, p := range f.pools {
		if err := p.closeIdle(); err != nil {
			klog.Warningf("%s: %v", host, err)
		}
	}
}

// throttledReader paces reads of one document through its StreamThrottler.
type throttledReader struct {
	ctx context.Context
	st  *throttle.StreamThrottler
	r   io.Reader
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ok, err := r.st.ObtainReadPermission(r.ctx, int64(len(p)))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errGroupGone
	}
	n, err := r.r.Read(p)
	if n == 0 && err != nil && err != io.EOF {
		r.st.AbortRead()
		return 0, err
	}
	if rerr := r.st.ReleaseReadPermission(int64(len(p)), int64(n)); rerr != nil {
		return n, rerr
	}
	return n, err
}
