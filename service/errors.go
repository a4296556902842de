package service

import "errors"

var (
	ErrIngest           = errors.New("ingest failed")
	ErrDetect           = errors.New("detection failed")
	ErrRender           = errors.New("render failed")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrBusy             = errors.New("server busy")
)
