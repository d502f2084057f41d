package util

import (
	"errors"
	"fmt"
	"net"

	"github.com/spf13/afero"
)

var (
	ErrInvalidPath = errors.New("path cannot be empty string")

	ErrFileDoesNotExist = errors.New("file does not exist")
	ErrFileIsEmpty      = errors.New("file is empty")
	ErrPathIsDir        = errors.New("given path is a directory, not a file")
)

// GetFileContents reads the entire contents of the file at the given path
func GetFileContents(afs afero.Fs, path string) ([]byte, error) {
	if err := ValidateFile(afs, path); err != nil {
		return nil, err
	}

	contents, err := afero.ReadFile(afs, path)
	if err != nil {
		return nil, fmt.Errorf("could not read file %s: %w", path, err)
	}
	return contents, nil
}

// ValidateFile ensures that the given path exists and is a non-empty file
func ValidateFile(afs afero.Fs, path string) error {
	if path == "" {
		return ErrInvalidPath
	}

	info, err := afs.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFileDoesNotExist, path)
	}

	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrPathIsDir, path)
	}

	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrFileIsEmpty, path)
	}

	return nil
}

// ValidIPv4 returns true if the given string parses as a dotted-quad IPv4 address
func ValidIPv4(value string) bool {
	ip := net.ParseIP(value)
	return ip != nil && ip.To4() != nil
}
