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


// The throttled_fetch binary downloads a list of URLs, sharing per-host
// connection, fetch-rate and bandwidth limits with every other process
// attached to the same coordination backend.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/binthrottle/cmd"
	"github.com/google/binthrottle/coord"
	"github.com/google/binthrottle/monitoring"
	"github.com/google/binthrottle/monitoring/opencensus"
	"github.com/google/binthrottle/monitoring/prometheus"
	"github.com/google/binthrottle/throttle"
	"github.com/google/binthrottle/throttle/throttlespec"
	"github.com/google/binthrottle/util"
	"github.com/google/binthrottle/util/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	// Register supported coordination backends.
	_ "github.com/google/binthrottle/coord/etcd"
	_ "github.com/google/binthrottle/coord/memory"
	_ "github.com/google/binthrottle/coord/mysql"
	_ "github.com/google/binthrottle/coord/postgresql"
	_ "github.com/google/binthrottle/coord/redis"
)

var (
	coordSystem       = flag.String("coord_system", "memory", fmt.Sprintf("Coordination backend to use. One of: %v", coord.Providers()))
	specFile          = flag.String("throttle_spec_file", "", "YAML file holding the limits of the throttle group (empty means unlimited)")
	specCheckInterval = flag.Duration("throttle_spec_check_interval", 30*time.Second, "How often the throttle spec file is checked for changes")
	groupType         = flag.String("group_type", "fetch", "Type of the throttle group")
	groupName         = flag.String("group", "default", "Name of the throttle group")
	pollInterval      = flag.Duration("poll_interval", throttle.DefaultPollInterval, "Time between polls of the coordination backend")
	pollTimeout       = flag.Duration("poll_timeout", 0, "If set, how long a single poll may take")
	sweepInterval     = flag.Duration("sweep_interval", 10*time.Second, "How often pooled connections are checked against their bins' shares")
	rampUpShift       = flag.Uint("ramp_up_shift", throttle.DefaultRampUpShift, "A process grows its share of a connection bin by the bin maximum shifted right by this much per poll")
	concurrency       = flag.Int("fetch_concurrency", 16, "Maximum number of documents fetched at once")
	localFetchQPS     = flag.Float64("local_fetch_qps", 0, "If positive, the most fetches per second this process starts, whatever the shared limits allow")
	urlsFile          = flag.String("urls_file", "", "File listing URLs to fetch, one per line, in addition to those on the command line")
	metricsEndpoint   = flag.String("metrics_endpoint", "", "Endpoint serving /metrics (host:port, empty means disabled)")
	traceFraction     = flag.Float64("trace_fraction", 0, "Fraction of fetches traced with OpenCensus")

	configFile = flag.String("config", "", "Config file containing flags, file contents can be overridden by command line flags")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configFile != "" {
		if err := cmd.ParseFlagFile(*configFile); err != nil {
			klog.Exitf("Failed to load flags from config file %q: %s", *configFile, err)
		}
	}

	urls, err := readURLs(*urlsFile, flag.Args())
	if err != nil {
		klog.Exitf("Failed to read URLs: %v", err)
	}

	klog.CopyStandardLogTo("WARNING")
	klog.Info("**** Throttled Fetch Starting ****")

	mf := prometheus.MetricFactory{Prefix: "binthrottle_"}
	monitoring.SetStartSpan(opencensus.StartSpan)
	opencensus.SetSampler(*traceFraction)

	if *metricsEndpoint != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			klog.Infof("HTTP server starting on %v", *metricsEndpoint)
			if err := http.ListenAndServe(*metricsEndpoint, nil); err != nil {
				klog.Errorf("HTTP server stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go util.AwaitSignal(ctx, cancel)

	c, err := coord.NewCoordinator(ctx, *coordSystem)
	if err != nil {
		klog.Exitf("Failed to create %s coordinator: %v", *coordSystem, err)
	}
	defer c.Close()

	t := throttle.New(c, throttle.Options{
		MetricFactory: mf,
		RampUpShift:   *rampUpShift,
	})
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		if err := t.Destroy(dctx); err != nil {
			klog.Errorf("Destroy(): %v", err)
		}
	}()

	var specs *throttlespec.File
	if *specFile != "" {
		if specs, err = throttlespec.Load(*specFile); err != nil {
			klog.Exitf("Failed to load throttle spec: %v", err)
		}
		if err := t.CreateOrUpdateThrottleGroup(ctx, *groupType, *groupName, specs.Spec()); err != nil {
			klog.Exitf("Failed to create throttle group: %v", err)
		}
		reload := func(force bool) {
			changed, err := specs.Reload(force)
			if err != nil {
				klog.Errorf("Failed to reload throttle spec: %v", err)
				return
			}
			if !changed {
				return
			}
			if err := t.CreateOrUpdateThrottleGroup(ctx, *groupType, *groupName, specs.Spec()); err != nil {
				klog.Errorf("Failed to update throttle group: %v", err)
			}
		}
		go util.AwaitReload(ctx, func() { reload(true) })
		go every(ctx, *specCheckInterval, func() { reload(false) })
	} else {
		empty, err := throttlespec.New(throttlespec.Config{})
		if err != nil {
			klog.Exitf("Failed to build an unlimited throttle spec: %v", err)
		}
		if err := t.CreateOrUpdateThrottleGroup(ctx, *groupType, *groupName, empty); err != nil {
			klog.Exitf("Failed to create throttle group: %v", err)
		}
	}

	go throttle.NewPoller(t, *pollInterval, *pollTimeout).Run(ctx)

	f := newFetcher(t, *groupType, *groupName, *localFetchQPS)
	defer f.close()
	go every(ctx, *sweepInterval, f.sweep)

	var fetched, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(*concurrency)
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := f.fetch(ctx, u)
			if err != nil {
				failed.Add(1)
				klog.Warningf("%s: %v", u, err)
				if errors.Is(err, errGroupGone) {
					cancel()
				}
				return nil
			}
			fetched.Add(1)
			klog.V(1).Infof("%s: %d bytes", u, n)
			return nil
		})
	}
	_ = g.Wait()
	klog.Infof("Fetched %d documents, %d failed", fetched.Load(), failed.Load())
}

// readURLs returns args followed by the non-blank, non-comment lines of path.
func readURLs(path string, args []string) ([]string, error) {
	urls := append([]string(nil), args...)
	if path == "" {
		return urls, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	s := bufio.NewScanner(file)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, s.Err()
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	for {
		if err := clock.SleepSource(ctx, interval, clock.System); err != nil {
			return
		}
		fn()
	}
}
