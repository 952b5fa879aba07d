// Package linkwatch keeps the reachability monitor fed with the current
// configuration of its interface. It rebuilds the snapshot from the kernel
// routing table and the resolver configuration whenever either changes.
package linkwatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/dmdmdm-nz/ipreachd/internal/linkprops"
)

const (
	DefaultResolvConf = "/etc/resolv.conf"

	// Route notifications can be lost when the socket buffer overflows, so
	// the snapshot is also rebuilt on this interval.
	resyncInterval = 30 * time.Second

	// Route dumps race with concurrent table changes and may be interrupted.
	buildAttempts = 3
)

func buildBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// Handler receives snapshots. reachability.Monitor satisfies it.
type Handler interface {
	UpdateLinkProperties(lp *linkprops.LinkProperties)
	ClearLinkProperties()
}

type Service struct {
	iface      string
	resolvConf string

	linkByName func(name string) (netlink.Link, error)
	routeList  func(link netlink.Link, family int) ([]netlink.Route, error)

	mu      sync.Mutex
	index   int
	last    *linkprops.LinkProperties
	cleared bool

	stopOnce sync.Once
	stop     chan struct{}
}

func NewService(iface, resolvConf string) *Service {
	if resolvConf == "" {
		resolvConf = DefaultResolvConf
	}
	return &Service{
		iface:      iface,
		resolvConf: filepath.Clean(resolvConf),
		linkByName: netlink.LinkByName,
		routeList:  netlink.RouteList,
		stop:       make(chan struct{}),
	}
}

// Current returns a copy of the last snapshot pushed, or nil.
func (s *Service) Current() *linkprops.LinkProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Clone()
}

// Start pushes the initial snapshot and then follows route, link and
// resolver changes until ctx ends or Close is called.
func (s *Service) Start(ctx context.Context, h Handler) error {
	logger := log.WithField("interface", s.iface)
	logger.Info("Starting link watcher")

	done := make(chan struct{})
	defer close(done)

	routeCh := make(chan netlink.RouteUpdate, 64)
	if err := netlink.RouteSubscribe(routeCh, done); err != nil {
		return fmt.Errorf("subscribe to route updates: %w", err)
	}
	linkCh := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribe(linkCh, done); err != nil {
		return fmt.Errorf("subscribe to link updates: %w", err)
	}

	watcher, names := s.watchResolvConf(logger)
	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if watcher != nil {
		defer watcher.Close()
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	s.refresh(ctx, h)

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping link watcher")
			return nil
		case <-s.stop:
			logger.Info("Stopping link watcher")
			return nil

		case u, ok := <-routeCh:
			if !ok {
				return errors.New("route subscription closed")
			}
			if s.routeRelevant(u.Route) {
				s.refresh(ctx, h)
			}

		case u, ok := <-linkCh:
			if !ok {
				return errors.New("link subscription closed")
			}
			if u.Link != nil && u.Link.Attrs().Name == s.iface {
				s.refresh(ctx, h)
			}

		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if resolvConfChanged(ev, names) {
				logger.WithField("file", ev.Name).Debug("Resolver configuration changed")
				s.refresh(ctx, h)
			}

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			logger.WithError(err).Warn("Resolver configuration watch error")

		case <-ticker.C:
			s.refresh(ctx, h)
		}
	}
}

func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// watchResolvConf watches the directories holding resolv.conf and, when it is
// a symlink, its target. Editors and resolvers replace the file rather than
// write it in place, so the file itself cannot be watched.
func (s *Service) watchResolvConf(logger *log.Entry) (*fsnotify.Watcher, map[string]struct{}) {
	names := map[string]struct{}{s.resolvConf: {}}
	if target, err := filepath.EvalSymlinks(s.resolvConf); err == nil {
		names[filepath.Clean(target)] = struct{}{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Warn("Failed to create resolver configuration watcher")
		return nil, names
	}

	watched := 0
	for name := range names {
		dir := filepath.Dir(name)
		if err := watcher.Add(dir); err != nil {
			logger.WithError(err).WithField("dir", dir).Warn("Failed to watch resolver configuration")
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil, names
	}
	return watcher, names
}

func resolvConfChanged(ev fsnotify.Event, names map[string]struct{}) bool {
	if _, ok := names[filepath.Clean(ev.Name)]; !ok {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}

func (s *Service) routeRelevant(r netlink.Route) bool {
	s.mu.Lock()
	index := s.index
	s.mu.Unlock()

	if index == 0 || r.LinkIndex == index {
		return true
	}
	for _, nh := range r.MultiPath {
		if nh != nil && nh.LinkIndex == index {
			return true
		}
	}
	return false
}

// refresh rebuilds the snapshot and hands it to h unless it is unchanged.
func (s *Service) refresh(ctx context.Context, h Handler) {
	lp, err := backoff.Retry(ctx, s.build,
		backoff.WithBackOff(buildBackOff()),
		backoff.WithMaxTries(buildAttempts))
	if err != nil {
		log.WithError(err).WithField("interface", s.iface).Warn("Failed to build link snapshot")
		return
	}

	s.mu.Lock()
	if lp == nil {
		if s.cleared {
			s.mu.Unlock()
			return
		}
		s.cleared = true
		s.last = nil
		s.mu.Unlock()

		log.WithField("interface", s.iface).Info("Link unavailable, clearing watch list")
		h.ClearLinkProperties()
		return
	}
	if s.last.Equal(lp) {
		s.mu.Unlock()
		return
	}
	s.cleared = false
	s.last = lp.Clone()
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"interface": s.iface,
		"routes":    len(lp.Routes),
		"dns":       len(lp.DNSServers),
	}).Debug("Link configuration changed")
	h.UpdateLinkProperties(lp)
}

// build returns the current snapshot, or nil when the link is missing or
// down.
func (s *Service) build() (*linkprops.LinkProperties, error) {
	link, err := s.linkByName(s.iface)
	if err != nil {
		log.WithError(err).WithField("interface", s.iface).Debug("Interface lookup failed")
		return nil, nil
	}

	attrs := link.Attrs()
	s.mu.Lock()
	s.index = attrs.Index
	s.mu.Unlock()

	if attrs.Flags&net.FlagUp == 0 {
		return nil, nil
	}

	routes, err := s.routeList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	return &linkprops.LinkProperties{
		InterfaceName: s.iface,
		Routes:        convertRoutes(routes),
		DNSServers:    readDNSServers(s.resolvConf),
	}, nil
}
