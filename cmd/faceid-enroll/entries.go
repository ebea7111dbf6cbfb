package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/example/face-id/internal/repository"
	"github.com/example/face-id/internal/usecase"
)

type enrollmentLine struct {
	PersonID  int64     `json:"person_id"`
	Name      string    `json:"name"`
	Surname   string    `json:"surname"`
	Embedding []float32 `json:"embedding"`
}

// readEntries parses and validates a JSON lines file, grouping embeddings by
// person in order of first appearance.
func readEntries(r io.Reader, dim int) ([]repository.ImportEntry, error) {
	var (
		entries []repository.ImportEntry
		index   = map[string]int{}
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line enrollmentLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := usecase.ValidateEmbedding(line.Embedding, dim); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		var key string
		switch {
		case line.PersonID > 0:
			key = fmt.Sprintf("id:%d", line.PersonID)
		case strings.TrimSpace(line.Name) != "" && strings.TrimSpace(line.Surname) != "":
			line.Name, line.Surname = strings.TrimSpace(line.Name), strings.TrimSpace(line.Surname)
			key = "name:" + line.Name + "\x00" + line.Surname
		default:
			return nil, fmt.Errorf("line %d: person_id or name and surname are required", lineNo)
		}

		i, ok := index[key]
		if !ok {
			i = len(entries)
			index[key] = i
			entries = append(entries, repository.ImportEntry{PersonID: line.PersonID, Name: line.Name, Surname: line.Surname})
		}
		entries[i].Vectors = append(entries[i].Vectors, line.Embedding)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func countVectors(entries []repository.ImportEntry) int {
	n := 0
	for _, e := range entries {
		n += len(e.Vectors)
	}
	return n
}
