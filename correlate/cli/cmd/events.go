package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/telhawk-systems/chainhawk/correlate/internal/models"
)

// readEvents decodes a JSON array of raw events or a stream of JSON objects (NDJSON).
func readEvents(r io.Reader) ([]models.RawEvent, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var events []models.RawEvent
		if err := dec.Decode(&events); err != nil {
			return nil, fmt.Errorf("invalid event array: %w", err)
		}
		return events, nil
	}

	var events []models.RawEvent
	for n := 1; ; n++ {
		var evt models.RawEvent
		if err := dec.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("invalid event #%d: %w", n, err)
		}
		events = append(events, evt)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// readEventFiles reads every path in order. No paths or "-" means stdin.
func readEventFiles(paths []string) ([]models.RawEvent, error) {
	if len(paths) == 0 {
		paths = []string{"-"}
	}

	var all []models.RawEvent
	for _, path := range paths {
		events, err := readEventFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

func readEventFile(path string) ([]models.RawEvent, error) {
	if path == "-" {
		return readEvents(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	events, err := readEvents(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// writeEvents writes one JSON object per line.
func writeEvents(w io.Writer, events []models.RawEvent) error {
	enc := json.NewEncoder(w)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}

func chunk(events []models.RawEvent, size int) [][]models.RawEvent {
	if size <= 0 {
		size = len(events)
	}
	var out [][]models.RawEvent
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		out = append(out, events[start:end])
	}
	return out
}
