package commands

import (
	"fmt"
	"io"

	"github.com/upnode/upnode-go/pkg/log"
)

// RunFilter copies matching events of path into a new log file at output
// and returns the number of events written.
func RunFilter(path, output string, filter log.Filter) (int, error) {
	if output == "" {
		return 0, fmt.Errorf("output file required")
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}
	defer logger.Close()

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
}
