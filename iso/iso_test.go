package iso

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbnode/agent/config"
)

type fakeMounter struct {
	mu         sync.Mutex
	next       int
	attached   map[string]string // loop device -> image path
	mounted    map[string]string // target -> loop device
	mountFails int
	unmounts   []string
	detaches   []string
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{
		attached: make(map[string]string),
		mounted:  make(map[string]string),
	}
}

func (f *fakeMounter) Attach(imagePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	loop := fmt.Sprintf("/dev/loop%d", f.next)
	f.attached[loop] = imagePath
	return loop, nil
}

func (f *fakeMounter) Mount(loopDev, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountFails > 0 {
		f.mountFails--
		return errors.New("mount: device busy")
	}
	f.mounted[target] = loopDev
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounts = append(f.unmounts, target)
	if _, ok := f.mounted[target]; !ok {
		return errors.New("not mounted")
	}
	delete(f.mounted, target)
	return nil
}

func (f *fakeMounter) Detach(loopDev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches = append(f.detaches, loopDev)
	delete(f.attached, loopDev)
	return nil
}

func (f *fakeMounter) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	hook  func()
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil, nil
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("fake image payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestManager(t *testing.T, scanDir string, mounter *fakeMounter, run *recordingRunner) *Manager {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store, err := OpenStateStore(filepath.Join(t.TempDir(), "mounts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := New(config.Iso{
		ScanPaths:    []string{scanDir},
		Patterns:     []string{"*.iso"},
		MountRoot:    t.TempDir(),
		MountRetries: 3,
	}, Dependencies{Logger: log, Runner: run, Mounter: mounter, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	m.retryInterval = time.Millisecond
	m.validate = func(path string) error {
		if strings.Contains(path, "corrupt") {
			return errors.New("bad volume descriptor")
		}
		return nil
	}
	return m
}

func TestDeriveImageIDIsStable(t *testing.T) {
	a := DeriveImageID("/srv/iso/debian.iso")
	b := DeriveImageID("/srv/iso/debian.iso")
	if a != b {
		t.Fatalf("same path produced different IDs: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "img_") {
		t.Fatalf("ID %q missing img_ prefix", a)
	}
	if a == DeriveImageID("/srv/iso/ubuntu.iso") {
		t.Fatal("different paths produced the same ID")
	}
}

func TestScanReplacesCatalog(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "b.iso")
	writeImage(t, dir, "a.iso")
	writeImage(t, dir, "notes.txt")
	writeImage(t, dir, "corrupt.iso")

	m := newTestManager(t, dir, newFakeMounter(), &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("images = %d, want 2 (txt and corrupt skipped)", len(images))
	}
	// Deterministic order by path.
	if !strings.HasSuffix(images[0].Path, "a.iso") || !strings.HasSuffix(images[1].Path, "b.iso") {
		t.Fatalf("unexpected order: %s, %s", images[0].Path, images[1].Path)
	}
	if images[0].Label != "a" {
		t.Fatalf("label = %q, want a", images[0].Label)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle after scan", m.State())
	}

	// A rescan fully replaces the previous result set.
	if err := os.Remove(filepath.Join(dir, "b.iso")); err != nil {
		t.Fatal(err)
	}
	images, err = m.Scan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("images after rescan = %d, want 1", len(images))
	}
	if _, ok := m.catalog.Get(DeriveImageID(filepath.Join(dir, "b.iso"))); ok {
		t.Fatal("removed image still present in catalog")
	}
}

func TestMountIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	mounter := newFakeMounter()
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	id := images[0].ID

	rec1, err := m.Mount(context.Background(), id)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %q, want ready", m.State())
	}

	rec2, err := m.Mount(context.Background(), id)
	if err != nil {
		t.Fatalf("second Mount: %v", err)
	}
	if rec1.LoopDevice != rec2.LoopDevice || rec1.Target != rec2.Target {
		t.Fatalf("idempotent mount returned a different record: %+v vs %+v", rec1, rec2)
	}
	if mounter.attachCount() != 1 {
		t.Fatalf("attach count = %d, want 1", mounter.attachCount())
	}
}

func TestMountAssignsDistinctLoopDevices(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	writeImage(t, dir, "b.iso")
	mounter := newFakeMounter()
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	recA, err := m.Mount(context.Background(), images[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	recB, err := m.Mount(context.Background(), images[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if recA.LoopDevice == recB.LoopDevice {
		t.Fatalf("both images share loop device %s", recA.LoopDevice)
	}
	if recA.Target == recB.Target {
		t.Fatalf("both images share target %s", recA.Target)
	}
}

func TestConcurrentMountsShareMountingState(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	writeImage(t, dir, "b.iso")
	mounter := newFakeMounter()
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	recs := make([]MountRecord, len(images))
	errs := make([]error, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i], errs[i] = m.Mount(context.Background(), img.ID)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Mount %s: %v", images[i].ID, err)
		}
	}
	if recs[0].LoopDevice == recs[1].LoopDevice {
		t.Fatalf("both images share loop device %s", recs[0].LoopDevice)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %q, want ready after concurrent mounts", m.State())
	}
	if got := len(m.Mounts()); got != 2 {
		t.Fatalf("mounts = %d, want 2", got)
	}
}

func TestConcurrentMountFailureStillSettles(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	writeImage(t, dir, "b.iso")
	mounter := newFakeMounter()
	mounter.mountFails = 100
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, img := range images {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Mount(context.Background(), img.ID)
		}()
	}
	wg.Wait()

	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle after every mount failed", m.State())
	}
}

func TestMountRetriesAndReleasesLoopOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	mounter := newFakeMounter()
	mounter.mountFails = 2
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(context.Background(), images[0].ID); err != nil {
		t.Fatalf("Mount with transient failures: %v", err)
	}
	// Two failed attempts each gave their loop device back.
	mounter.mu.Lock()
	detaches := len(mounter.detaches)
	mounter.mu.Unlock()
	if detaches != 2 {
		t.Fatalf("detaches = %d, want 2", detaches)
	}
}

func TestMountFailureExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	mounter := newFakeMounter()
	mounter.mountFails = 100
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(context.Background(), images[0].ID); err == nil {
		t.Fatal("expected mount to fail")
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle after failed mount", m.State())
	}
	if mounter.attachCount() != 3 {
		t.Fatalf("attempts = %d, want 3 (the retry budget)", mounter.attachCount())
	}
}

func TestMountUnknownImage(t *testing.T) {
	m := newTestManager(t, t.TempDir(), newFakeMounter(), &recordingRunner{})
	_, err := m.Mount(context.Background(), "img_nope")
	if !errors.Is(err, ErrUnknownImage) {
		t.Fatalf("expected ErrUnknownImage, got %v", err)
	}
}

func TestUnmountIsNoopForUnmountedImage(t *testing.T) {
	mounter := newFakeMounter()
	m := newTestManager(t, t.TempDir(), mounter, &recordingRunner{})
	if err := m.Unmount(context.Background(), "img_absent"); err != nil {
		t.Fatalf("Unmount of absent image: %v", err)
	}
	mounter.mu.Lock()
	defer mounter.mu.Unlock()
	if len(mounter.unmounts) != 0 {
		t.Fatal("no-op unmount touched the mounter")
	}
}

func TestUnmountAllReversesMountOrder(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	writeImage(t, dir, "b.iso")
	writeImage(t, dir, "c.iso")
	mounter := newFakeMounter()
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var targets []string
	for _, img := range images {
		rec, err := m.Mount(context.Background(), img.ID)
		if err != nil {
			t.Fatal(err)
		}
		targets = append(targets, rec.Target)
	}

	if err := m.UnmountAll(context.Background()); err != nil {
		t.Fatalf("UnmountAll: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle after unmounting everything", m.State())
	}

	mounter.mu.Lock()
	defer mounter.mu.Unlock()
	if len(mounter.unmounts) != 3 {
		t.Fatalf("unmounts = %v, want 3", mounter.unmounts)
	}
	for i := range targets {
		if mounter.unmounts[i] != targets[len(targets)-1-i] {
			t.Fatalf("unmount order = %v, want reverse of %v", mounter.unmounts, targets)
		}
	}
}

func TestReconcileReleasesStaleMounts(t *testing.T) {
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "mounts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	stale := MountRecord{
		ImageID:    "img_stale",
		ImagePath:  "/srv/iso/old.iso",
		LoopDevice: "/dev/loop7",
		Target:     "/run/nodeagent/iso/img_stale",
		MountedAt:  time.Now().Add(-time.Hour),
	}
	if err := store.Put(stale); err != nil {
		t.Fatal(err)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	mounter := newFakeMounter()
	m, err := New(config.Iso{MountRoot: t.TempDir(), MountRetries: 1},
		Dependencies{Logger: log, Mounter: mounter, Store: store})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	mounter.mu.Lock()
	unmounted := len(mounter.unmounts) == 1 && mounter.unmounts[0] == stale.Target
	detached := len(mounter.detaches) == 1 && mounter.detaches[0] == stale.LoopDevice
	mounter.mu.Unlock()
	if !unmounted || !detached {
		t.Fatalf("stale mount not released: unmounts=%v detaches=%v", mounter.unmounts, mounter.detaches)
	}

	records, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("stale records remain: %+v", records)
	}
}

func TestReleaseRecordedTouchesOnlyRequestedImage(t *testing.T) {
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "mounts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	old := MountRecord{
		ImageID:    "img_old",
		ImagePath:  "/srv/iso/old.iso",
		LoopDevice: "/dev/loop3",
		Target:     "/run/nodeagent/iso/img_old",
		MountedAt:  time.Now().Add(-time.Hour),
	}
	keep := MountRecord{
		ImageID:    "img_keep",
		ImagePath:  "/srv/iso/keep.iso",
		LoopDevice: "/dev/loop4",
		Target:     "/run/nodeagent/iso/img_keep",
		MountedAt:  time.Now().Add(-time.Hour),
	}
	for _, rec := range []MountRecord{old, keep} {
		if err := store.Put(rec); err != nil {
			t.Fatal(err)
		}
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	mounter := newFakeMounter()
	m, err := New(config.Iso{MountRoot: t.TempDir(), MountRetries: 1},
		Dependencies{Logger: log, Mounter: mounter, Store: store})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.ReleaseRecorded(context.Background(), old.ImageID); err != nil {
		t.Fatalf("ReleaseRecorded: %v", err)
	}

	mounter.mu.Lock()
	unmounts := append([]string(nil), mounter.unmounts...)
	detaches := append([]string(nil), mounter.detaches...)
	mounter.mu.Unlock()
	if len(unmounts) != 1 || unmounts[0] != old.Target {
		t.Fatalf("unmounts = %v, want only %s", unmounts, old.Target)
	}
	if len(detaches) != 1 || detaches[0] != old.LoopDevice {
		t.Fatalf("detaches = %v, want only %s", detaches, old.LoopDevice)
	}

	records, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ImageID != keep.ImageID {
		t.Fatalf("records = %+v, want only img_keep", records)
	}

	// Unknown images stay a no-op.
	if err := m.ReleaseRecorded(context.Background(), "img_absent"); err != nil {
		t.Fatalf("ReleaseRecorded of absent image: %v", err)
	}
}

func TestReleaseRecordedUnmountsActiveImage(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	mounter := newFakeMounter()
	m := newTestManager(t, dir, mounter, &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(context.Background(), images[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := m.ReleaseRecorded(context.Background(), images[0].ID); err != nil {
		t.Fatalf("ReleaseRecorded: %v", err)
	}
	if got := len(m.Mounts()); got != 0 {
		t.Fatalf("mounts = %d, want 0", got)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle", m.State())
	}
}

func TestHealthCheckFailsWhenMountTargetVanishes(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	m := newTestManager(t, dir, newFakeMounter(), &recordingRunner{})

	if err := m.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck with no mounts: %v", err)
	}

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec, err := m.Mount(context.Background(), images[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck with healthy mount: %v", err)
	}

	if err := os.RemoveAll(rec.Target); err != nil {
		t.Fatal(err)
	}
	if err := m.HealthCheck(context.Background()); err == nil {
		t.Fatal("HealthCheck should fail when a mount target is gone")
	}
}

func TestLaunchInstallerDetectsFamily(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "ubuntu.iso")
	mounter := newFakeMounter()
	run := &recordingRunner{}
	m := newTestManager(t, dir, mounter, run)

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec, err := m.Mount(context.Background(), images[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(rec.Target, "casper"), 0o755); err != nil {
		t.Fatal(err)
	}

	run.hook = func() {
		if m.State() != StateInstalling {
			t.Errorf("state during install = %q, want installing", m.State())
		}
	}

	family, err := m.LaunchInstaller(context.Background(), images[0].ID)
	if err != nil {
		t.Fatalf("LaunchInstaller: %v", err)
	}
	if family != FamilyUbuntu {
		t.Fatalf("family = %q, want ubuntu", family)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %q, want ready after installer exit", m.State())
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if len(run.calls) != 1 || run.calls[0][0] != "ubiquity" {
		t.Fatalf("calls = %v, want ubiquity", run.calls)
	}
}

func TestLaunchInstallerRejectsUnknownMedia(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "blank.iso")
	m := newTestManager(t, dir, newFakeMounter(), &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(context.Background(), images[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LaunchInstaller(context.Background(), images[0].ID); err == nil {
		t.Fatal("expected error for media without installer markers")
	}
	if m.State() != StateReady {
		t.Fatalf("state = %q, want ready (no transition for unknown media)", m.State())
	}
}

func TestLaunchInstallerRequiresMount(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.iso")
	m := newTestManager(t, dir, newFakeMounter(), &recordingRunner{})

	images, err := m.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.LaunchInstaller(context.Background(), images[0].ID); !errors.Is(err, ErrUnknownImage) {
		t.Fatalf("expected ErrUnknownImage for unmounted image, got %v", err)
	}
}

func TestDetectFamily(t *testing.T) {
	dir := t.TempDir()
	if got := DetectFamily(dir); got != FamilyUnknown {
		t.Fatalf("empty dir = %q, want unknown", got)
	}

	if err := os.MkdirAll(filepath.Join(dir, "install.amd"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := DetectFamily(dir); got != FamilyDebian {
		t.Fatalf("install.amd = %q, want debian", got)
	}

	// casper takes precedence: Ubuntu media carries Debian remnants too.
	if err := os.MkdirAll(filepath.Join(dir, "casper"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := DetectFamily(dir); got != FamilyUbuntu {
		t.Fatalf("casper = %q, want ubuntu", got)
	}
}

func TestCatalogGetAndList(t *testing.T) {
	c, err := NewCatalog()
	if err != nil {
		t.Fatal(err)
	}
	imgs := []Image{
		{ID: "img_b", Path: "/iso/b.iso", Label: "b"},
		{ID: "img_a", Path: "/iso/a.iso", Label: "a"},
	}
	if err := c.Replace(imgs); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get("img_a")
	if !ok || got.Path != "/iso/a.iso" {
		t.Fatalf("Get(img_a) = %+v, %v", got, ok)
	}
	if _, ok := c.Get("img_missing"); ok {
		t.Fatal("Get returned a missing image")
	}

	list := c.List()
	if len(list) != 2 || list[0].ID != "img_a" || list[1].ID != "img_b" {
		t.Fatalf("List = %+v, want sorted by path", list)
	}
}
