package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrEngine           = errors.New("engine error")
	ErrRepository       = errors.New("repository error")
	ErrInvalidSource    = errors.New("invalid torrent source")
	ErrInvalidFileIndex = errors.New("invalid file index")
	ErrNotReady         = errors.New("torrent metadata not available yet")
)

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrEngine, err)
}

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}
