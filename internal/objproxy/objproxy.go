// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectStore which performs prioritization
// of various requests and limits their concurrency.
package objproxy

import (
	"errors"
)

// ErrNotFound has to be returned (possibly wrapped) by ObjectStore when the
// object does not exist.
var ErrNotFound = errors.New("object not found")

// Interface for object storage. Anything implementing this interface can
// be used as a storage backend.
type ObjectStore interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Deletes object identified by key. Deleting a missing object is not
	// an error.
	Delete(key int64) error
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this low priority operations
// like trimming do not slow down reads and writes of the kernel.
type ObjectProxy struct {
	Instance ObjectStore

	// Number of go routines to spawn for handling upload requests and
	// download requests. Deletes are handled by uploaders.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request
}

type operation int

const (
	opUpload operation = iota
	opDownload
	opDelete
)

// Request is internal structure for wrapping the communication into channels.
type request struct {
	op     operation
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers. Workers live as long as
// the process.
func New(storeInstance ObjectStore, uploaders, downloaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}

	if downloaders < 1 {
		downloaders = 1
	}

	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
	}

	for i := 0; i < p.uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads)
	}

	for i := 0; i < p.downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads)
	}

	return p
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	return p.submit(p.uploadsPrio, p.uploads, prio, request{op: opUpload, key: key, data: body})
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	return p.submit(p.downloadsPrio, p.downloads, prio, request{op: opDownload, key: key, data: chunk, offset: offset})
}

// Proxy function for deleting the object with key. Deletes share the upload
// workers.
func (p *ObjectProxy) Delete(key int64, prio bool) error {
	return p.submit(p.uploadsPrio, p.uploads, prio, request{op: opDelete, key: key})
}

func (p *ObjectProxy) submit(prioChan, normal chan request, prio bool, r request) error {
	c := normal
	if prio {
		c = prioChan
	}

	r.done = make(chan error)
	c <- r

	return <-r.done
}

// Generic function for prioritization used by both, uploader and downloader workers.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) request {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		}
	}

	return r
}

// Worker just calls the requested operation on the instance provided in New().
func (p *ObjectProxy) worker(prio chan request, normal chan request) {
	for {
		r := p.receiveRequest(prio, normal)

		var err error
		switch r.op {
		case opUpload:
			err = p.Instance.Upload(r.key, r.data)
		case opDownload:
			err = p.Instance.DownloadAt(r.key, r.data, r.offset)
		case opDelete:
			err = p.Instance.Delete(r.key)
		}

		r.done <- err
	}
}
