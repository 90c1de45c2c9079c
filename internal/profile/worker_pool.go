package profile

import (
	"context"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// decodeFunc liest und normalisiert eine Datei
type decodeFunc func(path string) ([]byte, error)

// decodeJob ist ein Auftrag an den Pool
type decodeJob struct {
	ctx      context.Context
	path     string
	resultCh chan decodeResult // Ergebniskanal pro Auftrag
}

// decodeResult enthält die normalisierten Bytes oder den Fehler
type decodeResult struct {
	Data []byte
	Err  error
}

// WorkerPool dekodiert Importdateien parallel. Die Gallery selbst wird
// nur vom Aufrufer beschrieben.
type WorkerPool struct {
	decode       decodeFunc
	jobs         chan *decodeJob
	workerCount  int
	activeJobs   int
	activeMu     sync.Mutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewWorkerPool startet workers Goroutinen. workers <= 0 wählt 75% der CPUs, mindestens 2.
func NewWorkerPool(workers int, decode decodeFunc) *WorkerPool {
	if workers <= 0 {
		workers = max(2, runtime.NumCPU()*3/4)
	}

	log.Debugf("Initializing import worker pool with %d workers", workers)

	p := &WorkerPool{
		decode:      decode,
		jobs:        make(chan *decodeJob, workers*2),
		workerCount: workers,
		shutdown:    make(chan struct{}),
	}
	p.startWorkers()
	return p
}

func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					p.run(workerID, job)
				case <-p.shutdown:
					return
				}
			}
		}(i)
	}
}

func (p *WorkerPool) run(workerID int, job *decodeJob) {
	if err := job.ctx.Err(); err != nil {
		job.resultCh <- decodeResult{Err: err}
		return
	}

	p.activeMu.Lock()
	p.activeJobs++
	p.activeMu.Unlock()

	start := time.Now()
	data, err := p.decode(job.path)

	p.activeMu.Lock()
	p.activeJobs--
	p.activeMu.Unlock()

	job.resultCh <- decodeResult{Data: data, Err: err}
	log.Debugf("Worker %d decoded %s in %v", workerID, job.path, time.Since(start))
}

// Decode reicht eine Datei an den Pool und wartet auf das Ergebnis
func (p *WorkerPool) Decode(ctx context.Context, path string) ([]byte, error) {
	resultCh := make(chan decodeResult, 1)
	job := &decodeJob{ctx: ctx, path: path, resultCh: resultCh}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shutdown:
		return nil, context.Canceled
	}

	select {
	case r := <-resultCh:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shutdown:
		return nil, context.Canceled
	}
}

// DecodeAll dekodiert alle Pfade parallel. Die Ergebnisse stehen in der
// Reihenfolge der Eingabe.
func (p *WorkerPool) DecodeAll(ctx context.Context, paths []string) []decodeResult {
	results := make([]decodeResult, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			data, err := p.Decode(ctx, path)
			results[i] = decodeResult{Data: data, Err: err}
		}(i, path)
	}
	wg.Wait()
	return results
}

// ActiveJobCount gibt die Anzahl der laufenden Aufträge zurück
func (p *WorkerPool) ActiveJobCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return p.activeJobs
}

// WorkerCount gibt die Anzahl der Worker zurück
func (p *WorkerPool) WorkerCount() int {
	return p.workerCount
}

// Shutdown beendet alle Worker und wartet auf sie
func (p *WorkerPool) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdown) })
	p.wg.Wait()
}
