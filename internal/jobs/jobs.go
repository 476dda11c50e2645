// Package jobs implements the durable, file-backed job registry: one
// small key-value file per job under a directory, mutations
// serialized by a single advisory file lock, and crash detection by
// pid liveness.
package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCrashed   Status = "CRASHED"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCrashed
}

// Job is a durable handle for a background operation.
type Job struct {
	ID        string
	Name      string
	Command   string
	StartTime time.Time
	EndTime   *time.Time
	Status    Status
	PID       int
	LogFile   string
}

// ErrLockBusy is returned when the registry lock could not be
// acquired within the deadline.
var ErrLockBusy = errors.New("jobs: lock busy")

// ErrJobNotFound is returned by operations on an unknown job id.
var ErrJobNotFound = errors.New("jobs: job not found")

const lockDeadline = 5 * time.Second

// Store is a file-backed job registry rooted at a state directory,
// holding `<state-dir>/jobs/<id>.job` files and
// `<state-dir>/locks/manager.lock`.
type Store struct {
	jobsDir string
	lock    *flock.Flock
}

// NewStore creates the jobs and locks directories under stateDir if
// they do not already exist.
func NewStore(stateDir string) (*Store, error) {
	jobsDir := filepath.Join(stateDir, "jobs")
	locksDir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("jobs: create jobs dir: %w", err)
	}
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("jobs: create locks dir: %w", err)
	}
	return &Store{
		jobsDir: jobsDir,
		lock:    flock.New(filepath.Join(locksDir, "manager.lock")),
	}, nil
}

func (s *Store) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockDeadline)
	defer cancel()

	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return ErrLockBusy
	}
	defer s.lock.Unlock()

	return fn()
}

// withSharedLock is withLock's read-only counterpart: it holds the
// registry lock in shared mode, so concurrent readers do not exclude
// each other while mutations still wait for them.
func (s *Store) withSharedLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockDeadline)
	defer cancel()

	locked, err := s.lock.TryRLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return ErrLockBusy
	}
	defer s.lock.Unlock()

	return fn()
}

func (s *Store) jobPath(id string) string {
	return filepath.Join(s.jobsDir, id+".job")
}

// Start creates a new job file with STATUS=RUNNING and the given pid,
// returning the generated JobID (timestamp+pid).
func (s *Store) Start(name, command string, pid int) (string, error) {
	id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), pid)
	job := Job{
		ID:        id,
		Name:      name,
		Command:   command,
		StartTime: time.Now(),
		Status:    StatusRunning,
		PID:       pid,
	}

	err := s.withLock(func() error {
		return writeJobFile(s.jobPath(id), job)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update rewrites a single job file's field atomically under the
// registry lock: read, modify, rename.
func (s *Store) Update(id string, fn func(*Job)) error {
	return s.withLock(func() error {
		path := s.jobPath(id)
		job, err := readJobFile(path)
		if err != nil {
			return err
		}
		fn(&job)
		return writeJobFile(path, job)
	})
}

// List reads all job files under a shared lock, running a health
// check first so RUNNING jobs with a dead pid surface as CRASHED.
func (s *Store) List() ([]Job, error) {
	if err := s.HealthCheck(); err != nil {
		return nil, err
	}

	var jobs []Job
	err := s.withSharedLock(func() error {
		entries, err := os.ReadDir(s.jobsDir)
		if err != nil {
			return fmt.Errorf("jobs: read jobs dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".job") {
				continue
			}
			job, err := readJobFile(filepath.Join(s.jobsDir, e.Name()))
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

// HealthCheck transitions every RUNNING job whose pid is not alive to
// CRASHED, with END_TIME set to now. Invoked at process start and
// before any listing operation.
func (s *Store) HealthCheck() error {
	return s.withLock(func() error {
		entries, err := os.ReadDir(s.jobsDir)
		if err != nil {
			return fmt.Errorf("jobs: read jobs dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".job") {
				continue
			}
			path := filepath.Join(s.jobsDir, e.Name())
			job, err := readJobFile(path)
			if err != nil {
				return err
			}
			if job.Status != StatusRunning {
				continue
			}
			if pidAlive(job.PID) {
				continue
			}
			now := time.Now()
			job.Status = StatusCrashed
			job.EndTime = &now
			if err := writeJobFile(path, job); err != nil {
				return err
			}
		}
		return nil
	})
}

// CleanCompleted removes job files with a terminal status, preserving
// their log files, and returns the number removed.
func (s *Store) CleanCompleted() (int, error) {
	removed := 0
	err := s.withLock(func() error {
		entries, err := os.ReadDir(s.jobsDir)
		if err != nil {
			return fmt.Errorf("jobs: read jobs dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".job") {
				continue
			}
			path := filepath.Join(s.jobsDir, e.Name())
			job, err := readJobFile(path)
			if err != nil {
				return err
			}
			if !job.Status.terminal() {
				continue
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("jobs: remove %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, os.FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}

// writeJobFile performs a full-rewrite through a temp file plus
// rename so a crash mid-write never leaves a corrupt job record.
func writeJobFile(path string, job Job) error {
	var b strings.Builder
	writeKV(&b, "JOB_ID", job.ID)
	writeKV(&b, "JOB_NAME", job.Name)
	writeKV(&b, "COMMAND", job.Command)
	writeKV(&b, "START_TIME", job.StartTime.Format(time.RFC3339))
	if job.EndTime != nil {
		writeKV(&b, "END_TIME", job.EndTime.Format(time.RFC3339))
	}
	writeKV(&b, "STATUS", string(job.Status))
	writeKV(&b, "PID", strconv.Itoa(job.PID))
	writeKV(&b, "LOG_FILE", job.LogFile)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("jobs: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("jobs: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("jobs: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("jobs: rename temp file: %w", err)
	}
	return nil
}

func writeKV(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "%s=%q\n", key, value)
}

// readJobFile parses a line-oriented KEY=quoted-value file, ignoring
// unknown keys.
func readJobFile(path string) (Job, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("jobs: open %s: %w", path, err)
	}
	defer f.Close()

	job := Job{ID: strings.TrimSuffix(filepath.Base(path), ".job")}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value, err := strconv.Unquote(line[idx+1:])
		if err != nil {
			continue
		}

		switch key {
		case "JOB_NAME":
			job.Name = value
		case "COMMAND":
			job.Command = value
		case "START_TIME":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				job.StartTime = t
			}
		case "END_TIME":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				job.EndTime = &t
			}
		case "STATUS":
			job.Status = Status(value)
		case "PID":
			if pid, err := strconv.Atoi(value); err == nil {
				job.PID = pid
			}
		case "LOG_FILE":
			job.LogFile = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Job{}, fmt.Errorf("jobs: scan %s: %w", path, err)
	}

	return job, nil
}
