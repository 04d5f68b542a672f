// Package iso owns installer images: discovery and validation, loop-device
// mounting with durable mount records, and launching the installer an image
// carries. Mounts are idempotent per image, unmounts are a no-op for unknown
// images, and mount records persist across restarts so stale loop devices
// from a previous run are reconciled at startup.
package iso

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/usbnode/agent/config"
	"github.com/usbnode/agent/fsm"
	"github.com/usbnode/agent/sysexec"
)

// State is the iso manager's lifecycle state. Ready means at least one image
// is mounted.
type State string

const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateMounting   State = "mounting"
	StateReady      State = "ready"
	StateInstalling State = "installing"
)

const (
	eventScan        fsm.Event = "scan"
	eventScanIdle    fsm.Event = "scan_idle"
	eventScanReady   fsm.Event = "scan_ready"
	eventMount       fsm.Event = "mount"
	eventMounted     fsm.Event = "mounted"
	eventAbortIdle   fsm.Event = "abort_idle"
	eventAbortReady  fsm.Event = "abort_ready"
	eventCleared     fsm.Event = "cleared"
	eventInstall     fsm.Event = "install"
	eventInstallDone fsm.Event = "install_done"
)

// ErrUnknownImage is returned for operations on an image ID the last scan did
// not produce.
var ErrUnknownImage = fmt.Errorf("unknown image")

// Dependencies carries the Manager's collaborators.
type Dependencies struct {
	Logger  logrus.FieldLogger
	Runner  sysexec.Runner
	Mounter Mounter
	Store   *StateStore
}

// Manager drives image discovery, mounting and installer launch.
type Manager struct {
	cfg     config.Iso
	log     logrus.FieldLogger
	machine *fsm.Machine[State]
	mounter Mounter
	store   *StateStore
	catalog *Catalog
	run     sysexec.Runner
	tracer  trace.Tracer

	// validate checks that a candidate file is a readable ISO 9660 image.
	// Swapped in tests where fixtures are not real images.
	validate func(path string) error

	retryInterval time.Duration

	mu       sync.Mutex
	mounts   map[string]MountRecord
	order    []string // image IDs in mount order, for reverse unmount
	inFlight int      // mounts between beginMount and settleMount
}

func New(cfg config.Iso, deps Dependencies) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Runner == nil {
		deps.Runner = sysexec.ExecRunner{}
	}
	if deps.Mounter == nil {
		deps.Mounter = LoopMounter{}
	}
	log := deps.Logger.WithField("manager", "iso")

	catalog, err := NewCatalog()
	if err != nil {
		return nil, err
	}

	machine := fsm.NewBuilder("iso", StateIdle, log).
		Permit(StateIdle, eventScan, StateScanning).
		Permit(StateReady, eventScan, StateScanning).
		Permit(StateScanning, eventScanIdle, StateIdle).
		Permit(StateScanning, eventScanReady, StateReady).
		Permit(StateIdle, eventMount, StateMounting).
		Permit(StateReady, eventMount, StateMounting).
		Permit(StateMounting, eventMounted, StateReady).
		Permit(StateMounting, eventAbortIdle, StateIdle).
		Permit(StateMounting, eventAbortReady, StateReady).
		Permit(StateReady, eventCleared, StateIdle).
		Permit(StateReady, eventInstall, StateInstalling).
		Permit(StateInstalling, eventInstallDone, StateReady).
		Build()

	return &Manager{
		cfg:           cfg,
		log:           log,
		machine:       machine,
		mounter:       deps.Mounter,
		store:         deps.Store,
		catalog:       catalog,
		run:           deps.Runner,
		tracer:        otel.Tracer("github.com/usbnode/agent/iso"),
		validate:      validateImage,
		retryInterval: 500 * time.Millisecond,
		mounts:        make(map[string]MountRecord),
	}, nil
}

// Machine exposes the state machine for observers.
func (m *Manager) Machine() *fsm.Machine[State] { return m.machine }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.machine.Current() }

// Images returns the current catalog contents ordered by path.
func (m *Manager) Images() []Image { return m.catalog.List() }

// Mounts returns active mount records in mount order.
func (m *Manager) Mounts() []MountRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MountRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.mounts[id])
	}
	return out
}

// Scan walks the configured paths and fully replaces the catalog with the
// matching, validated images found. Files that fail validation are skipped
// with a warning.
func (m *Manager) Scan(ctx context.Context) ([]Image, error) {
	if _, err := m.machine.Fire(eventScan); err != nil {
		return nil, err
	}
	defer m.settleScan()

	ctx, span := m.tracer.Start(ctx, "iso.scan")
	defer span.End()

	var images []Image
	for _, root := range m.cfg.ScanPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			span.RecordError(err)
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !m.matches(entry.Name()) {
				continue
			}
			path := filepath.Join(root, entry.Name())
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if err := m.validate(path); err != nil {
				m.log.WithError(err).WithField("path", path).Warn("skipping invalid image")
				continue
			}
			name := entry.Name()
			images = append(images, Image{
				ID:        DeriveImageID(path),
				Path:      path,
				Label:     name[:len(name)-len(filepath.Ext(name))],
				SizeBytes: info.Size(),
				ModTime:   info.ModTime(),
			})
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Path < images[j].Path })

	if err := m.catalog.Replace(images); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("images", len(images)))
	m.log.WithField("images", len(images)).Info("scan complete")
	return images, nil
}

func (m *Manager) matches(name string) bool {
	for _, pattern := range m.cfg.Patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Mount attaches the image to a loop device and mounts it under the mount
// root. Idempotent: mounting an already mounted image returns the existing
// record without touching the kernel.
func (m *Manager) Mount(ctx context.Context, imageID string) (MountRecord, error) {
	img, ok := m.catalog.Get(imageID)
	if !ok {
		return MountRecord{}, fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
	}

	existing, already, err := m.beginMount(imageID)
	if err != nil {
		return MountRecord{}, err
	}
	if already {
		return existing, nil
	}

	ctx, span := m.tracer.Start(ctx, "iso.mount", trace.WithAttributes(
		attribute.String("image_id", imageID),
	))
	defer span.End()

	target := filepath.Join(m.cfg.MountRoot, imageID)
	if err := os.MkdirAll(target, 0o755); err != nil {
		span.RecordError(err)
		m.settleMount(false)
		return MountRecord{}, err
	}

	rec, err := m.mountWithRetry(ctx, img, target)
	if err != nil {
		span.RecordError(err)
		m.settleMount(false)
		return MountRecord{}, err
	}

	m.mu.Lock()
	m.mounts[imageID] = rec
	m.order = append(m.order, imageID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Put(rec); err != nil {
			m.log.WithError(err).Warn("persisting mount record failed")
		}
	}

	m.settleMount(true)
	m.log.WithFields(logrus.Fields{
		"image_id": imageID,
		"loop":     rec.LoopDevice,
		"target":   rec.Target,
	}).Info("image mounted")
	return rec, nil
}

func (m *Manager) mountWithRetry(ctx context.Context, img Image, target string) (MountRecord, error) {
	var rec MountRecord
	op := func() error {
		loopDev, err := m.mounter.Attach(img.Path)
		if err != nil {
			return err
		}
		if err := m.mounter.Mount(loopDev, target); err != nil {
			// Give the loop device back before retrying, otherwise
			// retries leak devices.
			if derr := m.mounter.Detach(loopDev); derr != nil {
				m.log.WithError(derr).Warn("detach after failed mount")
			}
			return err
		}
		rec = MountRecord{
			ImageID:    img.ID,
			ImagePath:  img.Path,
			LoopDevice: loopDev,
			Target:     target,
			MountedAt:  time.Now(),
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryInterval), uint64(m.cfg.MountRetries-1)),
		ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return MountRecord{}, fmt.Errorf("mounting %s: %w", img.Path, err)
	}
	return rec, nil
}

// Unmount releases the image's mount and loop device. A no-op for images that
// are not mounted.
func (m *Manager) Unmount(ctx context.Context, imageID string) error {
	m.mu.Lock()
	rec, ok := m.mounts[imageID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.release(rec); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.mounts, imageID)
	for i, id := range m.order {
		if id == imageID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	remaining := len(m.mounts)
	m.mu.Unlock()

	if remaining == 0 {
		if _, err := m.machine.Fire(eventCleared); err != nil {
			m.log.WithError(err).Debug("cleared event out of ready state")
		}
	}
	m.log.WithField("image_id", imageID).Info("image unmounted")
	return nil
}

// UnmountAll unmounts every active mount in reverse mount order. Individual
// failures are logged and do not stop the sweep; the first error is returned.
func (m *Manager) UnmountAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	var firstErr error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.Unmount(ctx, ids[i]); err != nil {
			m.log.WithError(err).WithField("image_id", ids[i]).Error("unmount failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// release tears one mount down and removes its durable record.
func (m *Manager) release(rec MountRecord) error {
	if err := m.mounter.Unmount(rec.Target); err != nil {
		return err
	}
	if err := m.mounter.Detach(rec.LoopDevice); err != nil {
		m.log.WithError(err).Warn("loop detach failed")
	}
	if m.store != nil {
		if err := m.store.Delete(rec.ImageID); err != nil {
			m.log.WithError(err).Warn("deleting mount record failed")
		}
	}
	_ = os.Remove(rec.Target)
	return nil
}

// Reconcile releases mounts recorded by a previous run. Called once at
// startup before any new mounts exist. Failures to release are logged; the
// record is dropped either way since the loop device numbering is not
// trustworthy after a reboot.
func (m *Manager) Reconcile(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		log := m.log.WithFields(logrus.Fields{
			"image_id": rec.ImageID,
			"target":   rec.Target,
		})
		if err := m.mounter.Unmount(rec.Target); err != nil {
			log.WithError(err).Debug("stale mount already gone")
		}
		if err := m.mounter.Detach(rec.LoopDevice); err != nil {
			log.WithError(err).Debug("stale loop already gone")
		}
		if err := m.store.Delete(rec.ImageID); err != nil {
			return err
		}
		log.Info("stale mount reconciled")
	}
	return nil
}

// ReleaseRecorded unmounts one image whether it is active in this process or
// only recorded by a previous run. Unknown images are a no-op; other records
// are left untouched.
func (m *Manager) ReleaseRecorded(ctx context.Context, imageID string) error {
	m.mu.Lock()
	_, active := m.mounts[imageID]
	m.mu.Unlock()
	if active {
		return m.Unmount(ctx, imageID)
	}
	if m.store == nil {
		return nil
	}
	records, err := m.store.List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ImageID != imageID {
			continue
		}
		if err := m.mounter.Unmount(rec.Target); err != nil {
			m.log.WithError(err).Debug("recorded mount already gone")
		}
		if err := m.mounter.Detach(rec.LoopDevice); err != nil {
			m.log.WithError(err).Debug("recorded loop already gone")
		}
		if err := m.store.Delete(rec.ImageID); err != nil {
			return err
		}
		m.log.WithField("image_id", imageID).Info("recorded mount released")
		return nil
	}
	return nil
}

// HealthCheck verifies every active mount target is still a directory and the
// state store answers queries.
func (m *Manager) HealthCheck(ctx context.Context) error {
	for _, rec := range m.Mounts() {
		info, err := os.Stat(rec.Target)
		if err != nil {
			return fmt.Errorf("mount target for %s: %w", rec.ImageID, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("mount target for %s is not a directory", rec.ImageID)
		}
	}
	if m.store != nil {
		if _, err := m.store.List(); err != nil {
			return fmt.Errorf("mount store: %w", err)
		}
	}
	return nil
}

// LaunchInstaller detects the installer family on a mounted image and runs
// it, holding the manager in Installing until the installer exits.
func (m *Manager) LaunchInstaller(ctx context.Context, imageID string) (OSFamily, error) {
	m.mu.Lock()
	rec, ok := m.mounts[imageID]
	m.mu.Unlock()
	if !ok {
		return FamilyUnknown, fmt.Errorf("%w: %s is not mounted", ErrUnknownImage, imageID)
	}

	family := DetectFamily(rec.Target)
	if family == FamilyUnknown {
		return FamilyUnknown, fmt.Errorf("no installer found on %s", rec.ImagePath)
	}

	if _, err := m.machine.Fire(eventInstall); err != nil {
		return family, err
	}
	defer func() {
		if _, err := m.machine.Fire(eventInstallDone); err != nil {
			m.log.WithError(err).Debug("install_done out of installing state")
		}
	}()

	ctx, span := m.tracer.Start(ctx, "iso.install", trace.WithAttributes(
		attribute.String("image_id", imageID),
		attribute.String("family", string(family)),
	))
	defer span.End()

	name, args, err := installerCommand(family, rec.Target)
	if err != nil {
		return family, err
	}
	m.log.WithFields(logrus.Fields{
		"image_id": imageID,
		"family":   string(family),
	}).Info("launching installer")

	if _, err := m.run.Run(ctx, name, args...); err != nil {
		span.RecordError(err)
		return family, fmt.Errorf("installer for %s: %w", family, err)
	}
	return family, nil
}

// Close releases the state store.
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func (m *Manager) settleScan() {
	m.mu.Lock()
	mounted := len(m.mounts)
	m.mu.Unlock()
	ev := eventScanIdle
	if mounted > 0 {
		ev = eventScanReady
	}
	if _, err := m.machine.Fire(ev); err != nil {
		m.log.WithError(err).Debug("scan settle out of scanning state")
	}
}

// beginMount registers an in-flight mount. The first one moves the machine to
// Mounting; concurrent mounts ride along on the same transition.
func (m *Manager) beginMount(imageID string) (MountRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.mounts[imageID]; ok {
		return rec, true, nil
	}
	if m.inFlight == 0 {
		if _, err := m.machine.Fire(eventMount); err != nil {
			return MountRecord{}, false, err
		}
	}
	m.inFlight++
	return MountRecord{}, false, nil
}

// settleMount retires an in-flight mount. Only the last one settles the
// machine, landing in Ready while any mount remains and Idle otherwise.
func (m *Manager) settleMount(mounted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if m.inFlight > 0 {
		return
	}
	ev := eventAbortIdle
	switch {
	case mounted:
		ev = eventMounted
	case len(m.mounts) > 0:
		ev = eventAbortReady
	}
	if _, err := m.machine.Fire(ev); err != nil {
		m.log.WithError(err).Debug("mount settle out of mounting state")
	}
}

// validateImage confirms the file parses as ISO 9660 with a readable root
// directory.
func validateImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("not an iso9660 image: %w", err)
	}
	if _, err := img.RootDir(); err != nil {
		return fmt.Errorf("unreadable image root: %w", err)
	}
	return nil
}
