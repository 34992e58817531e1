// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements wrapping functions to satisfy objproxy.ObjectStore
// interface. It uses aws api v1.
package s3

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/nbdshim/internal/objproxy"
)

const (
	// Format string for the object key. We split the block index into
	// halves and use the lower half of bits as s3 prefix and upper half
	// for the object name. Neighbouring blocks then land in different
	// prefixes and s3 rate limiting, which is applied per prefix, hits
	// later.
	keyFmt = "%s%08x/%08x"
)

// Implementation of ObjectStore using AWS S3 as a backend. One object holds
// one block, so objects are small and multipart transfers are disabled.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
	prefix     string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// Prefix of all object keys. Allows several devices in one bucket.
	Prefix string
}

// Returns http client tuned for many small requests, with http2 support.
func newHTTPClient() *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: 5 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   5 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConnsPerHost:   32,
		ExpectContinueTimeout: 1 * time.Second,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*S3, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    newHTTPClient(),
	})

	if err != nil {
		return nil, err
	}

	s := &S3{
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     o.Bucket,
		prefix:     o.Prefix,
	}

	// Concurrency is limited by the objproxy workers.
	s.uploader.Concurrency = 1
	s.downloader.Concurrency = 1

	return s, s.makeBucketExist()
}

// Upload function implemented through s3 api.
func (s *S3) Upload(key int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
		Body:   bytes.NewReader(buf),
	})

	return err
}

// DownloadAt function implemented through s3 api. Missing object is reported
// as objproxy.ErrNotFound.
func (s *S3) DownloadAt(key int64, buf []byte, offset int64) error {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)

	_, err := s.downloader.Download(aws.NewWriteAtBuffer(buf), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
		Range:  aws.String(rng),
	})

	if isNotFound(err) {
		return fmt.Errorf("%s: %w", s.encode(key), objproxy.ErrNotFound)
	}

	return err
}

// Delete function implemented through s3 api.
func (s *S3) Delete(key int64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
	})

	return err
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}

	return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

func (s *S3) encode(key int64) string {
	return encode(s.prefix, key)
}

func encode(prefix string, key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return fmt.Sprintf(keyFmt, prefix, right, left)
}
