package project

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/gns3/gnsd/internal/apierr"
)

// snapshotsDirName is the per-project subdirectory snapshot archives are
// written under; it is excluded from a project's own archive stream so
// snapshots never nest themselves (spec.md §6: "snapshots/ — excluded
// from snapshots themselves").
const snapshotsDirName = "snapshots"

// writeArchive streams dir's contents (excluding snapshotsDirName) as a
// tar stream compressed with zstd, grounded on internal/image/cache.go's
// tar-walk pattern. Never buffers a whole file in memory: each entry is
// copied with io.Copy directly from disk into the compressed writer.
func writeArchive(dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == snapshotsDirName || strings.HasPrefix(rel, snapshotsDirName+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// readArchive unpacks a tar.zst stream into destDir, rejecting any entry
// that would escape destDir via "../" or a symlink — grounded on
// internal/image/cache.go's path-safety checks when unpacking OCI
// layers, reapplied here to the portable archive's import path.
func readArchive(r io.Reader, destDir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "open archive stream", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apierr.Wrap(apierr.Validation, "read archive entry", err)
		}

		cleanName := filepath.Clean(hdr.Name)
		if cleanName == "." || strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return apierr.Validationf("archive entry %q escapes destination", hdr.Name)
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			return apierr.Validationf("archive entry %q is a symlink, which is not allowed", hdr.Name)
		}

		target := filepath.Join(destDir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
			return apierr.Validationf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			closeErr := f.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}
		}
	}
}

// Export streams a portable archive of an opened project directly to w
// (spec.md §4.5: "stream a portable archive to the caller").
func (m *Manager) Export(ctx context.Context, projectID string, w io.Writer) error {
	p, ok := m.GetProject(projectID)
	if !ok {
		return apierr.NotFoundf("project %s not found", projectID)
	}
	if err := m.persistGraph(p); err != nil {
		return err
	}
	return writeArchive(p.Path, w)
}

// Import accepts a portable archive, unpacks it into a new project
// directory, rewrites the project id and any node id that is already in
// use (with the link endpoints naming it), and registers the project
// (spec.md §4.5).
func (m *Manager) Import(ctx context.Context, r io.Reader) (*Project, error) {
	tmpID := uuid.NewString()
	destPath := filepath.Join(m.baseDir, tmpID)
	if err := os.MkdirAll(destPath, 0700); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create import directory", err)
	}

	if err := readArchive(r, destPath); err != nil {
		os.RemoveAll(destPath)
		return nil, err
	}

	g, err := readGraphFile(filepath.Join(destPath, graphFileName))
	if err != nil {
		os.RemoveAll(destPath)
		return nil, apierr.Wrap(apierr.Validation, "read imported project.gns3", err)
	}

	finalID := g.ProjectID
	if finalID == "" || m.idInUse(finalID) {
		finalID = tmpID
	}
	g.ProjectID = finalID

	idMap := make(map[string]string)
	for i, rec := range g.Nodes {
		if _, taken := m.nodes.GetNode(rec.ID); taken {
			idMap[rec.ID] = uuid.NewString()
			g.Nodes[i].ID = idMap[rec.ID]
		}
	}
	for _, l := range g.Links {
		for j, ep := range l.Endpoints {
			if newID, ok := idMap[ep.NodeID]; ok {
				l.Endpoints[j].NodeID = newID
			}
		}
	}

	finalPath := destPath
	if finalID != tmpID {
		finalPath = filepath.Join(m.baseDir, finalID)
		if err := os.Rename(destPath, finalPath); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "relocate imported project", err)
		}
	}

	p := &Project{ID: finalID, Path: finalPath, Status: StatusOpened, Graph: g}

	m.mu.Lock()
	m.projects[finalID] = p
	m.mu.Unlock()

	if err := m.persistGraph(p); err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Upsert(ctx, ProjectIndexRow{ID: finalID, Name: g.Name, Path: finalPath, Status: string(StatusOpened)}); err != nil {
			return nil, err
		}
	}

	for _, rec := range g.Nodes {
		if _, err := m.nodes.CreateNode(ctx, finalID, rec.ID, rec.Kind, rec.Name, rec.Properties); err != nil {
			return nil, apierr.Wrap(apierr.Internal, fmt.Sprintf("restore imported node %s", rec.ID), err)
		}
	}

	return p, nil
}

func (m *Manager) idInUse(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.projects[id]
	return ok
}

// SnapshotCreate quiesces the project (requiring all nodes stopped),
// then streams a portable archive to snapshots/<id>.tar.zst. Serialized
// against Close and other snapshot ops via Project.snapshotMu
// (spec.md §4.5).
func (m *Manager) SnapshotCreate(ctx context.Context, projectID, name string) (*SnapshotRecord, error) {
	p, ok := m.GetProject(projectID)
	if !ok {
		return nil, apierr.NotFoundf("project %s not found", projectID)
	}

	p.snapshotMu.Lock()
	defer p.snapshotMu.Unlock()

	for _, n := range m.nodes.ListNodes(projectID) {
		if n.State() != "stopped" {
			return nil, apierr.Conflictf("project %s is running; stop all nodes before snapshotting", projectID)
		}
	}

	snapID := uuid.NewString()
	snapDir := filepath.Join(p.Path, snapshotsDirName)
	if err := os.MkdirAll(snapDir, 0700); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create snapshots directory", err)
	}
	snapPath := filepath.Join(snapDir, snapID+".tar.zst")

	f, err := os.Create(snapPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create snapshot file", err)
	}
	defer f.Close()

	if err := writeArchive(p.Path, f); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "write snapshot archive", err)
	}

	rec := SnapshotRecord{ID: snapID, Name: name, CreatedAt: time.Now().UTC(), Path: snapPath}

	p.mu.Lock()
	p.Snapshots = append(p.Snapshots, rec)
	p.mu.Unlock()

	return &rec, nil
}

// SnapshotRestore closes the project, replaces its on-disk state with
// the snapshot's archive contents, and re-opens it under the same
// project_id (spec.md §4.5). Restoring the same snapshot twice yields
// identical state (spec.md §8's idempotence property) because the
// replace step always starts from a clean directory.
func (m *Manager) SnapshotRestore(ctx context.Context, projectID, snapshotID string) error {
	p, ok := m.GetProject(projectID)
	if !ok {
		return apierr.NotFoundf("project %s not found", projectID)
	}

	p.snapshotMu.Lock()
	var snap *SnapshotRecord
	for i := range p.Snapshots {
		if p.Snapshots[i].ID == snapshotID {
			snap = &p.Snapshots[i]
			break
		}
	}
	p.snapshotMu.Unlock()
	if snap == nil {
		return apierr.NotFoundf("snapshot %s not found", snapshotID)
	}

	if err := m.Close(ctx, projectID); err != nil {
		return err
	}

	preserved, err := os.ReadFile(snap.Path)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "read snapshot archive", err)
	}

	entries, err := os.ReadDir(p.Path)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "list project directory", err)
	}
	for _, e := range entries {
		if e.Name() == snapshotsDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.Path, e.Name())); err != nil {
			return apierr.Wrap(apierr.Internal, "clear project directory before restore", err)
		}
	}

	if err := readArchive(bytes.NewReader(preserved), p.Path); err != nil {
		return err
	}

	g, err := readGraphFile(filepath.Join(p.Path, graphFileName))
	if err != nil {
		return apierr.Wrap(apierr.Internal, "read restored project.gns3", err)
	}
	if g.ProjectID != projectID {
		g.ProjectID = projectID
		if err := writeGraphFile(filepath.Join(p.Path, graphFileName), g); err != nil {
			return err
		}
	}

	_, err = m.Open(ctx, projectID)
	return err
}
