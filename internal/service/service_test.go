package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sheetarchiver/api/internal/sheet"
)

type dispatched struct {
	taskType string
	payload  []byte
}

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []dispatched
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, taskType string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, dispatched{taskType: taskType, payload: payload})
	return nil
}

func (d *fakeDispatcher) decode(i int, v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.tasks) {
		return errors.New("no such task")
	}
	return json.Unmarshal(d.tasks[i].payload, v)
}

// fakeSheets serves successive Values reads from reads; the last entry repeats
type fakeSheets struct {
	mu          sync.Mutex
	name        string
	nameErr     error
	reads       [][][]string
	readCount   int
	valuesErr   error
	inserted    []sheet.InsertColumn
	valueWrites [][]sheet.CellUpdate
	formats     [][]sheet.FormatUpdate
	writeErr    error
}

func (f *fakeSheets) SheetName(_ context.Context, _ string, _ *int) (string, error) {
	return f.name, f.nameErr
}

func (f *fakeSheets) Values(_ context.Context, _, _ string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.valuesErr != nil {
		return nil, f.valuesErr
	}
	if len(f.reads) == 0 {
		return nil, nil
	}
	i := f.readCount
	if i >= len(f.reads) {
		i = len(f.reads) - 1
	}
	f.readCount++
	return f.reads[i], nil
}

func (f *fakeSheets) InsertColumn(_ context.Context, _ string, ins sheet.InsertColumn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, ins)
	return nil
}

func (f *fakeSheets) BatchUpdateValues(_ context.Context, _ string, updates []sheet.CellUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valueWrites = append(f.valueWrites, updates)
	return f.writeErr
}

func (f *fakeSheets) BatchFormat(_ context.Context, _ string, updates []sheet.FormatUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formats = append(f.formats, updates)
	return nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *fakeArtifacts) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[key] = body
	return "https://files.example.com/" + key, nil
}

const testSheetURL = "https://docs.google.com/spreadsheets/d/abc123/edit#gid=7"
