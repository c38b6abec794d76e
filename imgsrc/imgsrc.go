// Package imgsrc fetches firmware images by reference: a local path, an
// http[s] url, or an s3://bucket/key object. References ending in .zst
// are decompressed transparently.
package imgsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	s3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"github.com/dnr/flint/common"
)

// Image is one opened image stream. Size is the byte count when known,
// -1 otherwise (compressed refs, chunked http).
type Image struct {
	io.ReadCloser
	Size int64
}

func Open(ctx context.Context, ref string) (*Image, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	var img *Image
	switch u.Scheme {
	case "":
		img, err = openFile(ref)
	case "file":
		img, err = openFile(u.Path)
	case "http", "https":
		img, err = openHttp(ctx, ref)
	case "s3":
		img, err = openS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		err = fmt.Errorf("unknown image source scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(ref, ".zst") {
		return unzstd(img)
	}
	return img, nil
}

func openFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, common.NotFoundErrorf("no image at %s", path)
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Image{ReadCloser: f, Size: st.Size()}, nil
}

func openHttp(ctx context.Context, url string) (*Image, error) {
	res, err := common.RetryHttpRequest(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, err
	}
	return &Image{ReadCloser: res.Body, Size: res.ContentLength}, nil
}

func openS3(ctx context.Context, bucket, key string) (*Image, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awscfg)
	res, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, common.NotFoundErrorf("no image at s3://%s/%s", bucket, key)
		}
		return nil, err
	}
	size := int64(-1)
	if res.ContentLength != nil {
		size = *res.ContentLength
	}
	return &Image{ReadCloser: res.Body, Size: size}, nil
}

type zstdStream struct {
	io.Reader
	dec   *zstd.Decoder
	under io.Closer
}

func (z *zstdStream) Close() error {
	z.dec.Close()
	return z.under.Close()
}

func unzstd(img *Image) (*Image, error) {
	dec, err := zstd.NewReader(img.ReadCloser)
	if err != nil {
		_ = img.Close()
		return nil, err
	}
	// decompressed size is not known up front
	return &Image{
		ReadCloser: &zstdStream{Reader: dec, dec: dec, under: img.ReadCloser},
		Size:       -1,
	}, nil
}
