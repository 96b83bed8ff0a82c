// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package archive moves aged device events out of the hot event log into
cold storage. Two drivers exist: a local directory for single box
deployments and S3 for everything else.

Archived events are JSON lines, one object per device and export batch.
*/
package archive

import (
	"context"
	"fmt"
	"io"
)

// Driver stores one archive object under a key. Keys use forward
// slashes regardless of the backend.
type Driver interface {
	Store(ctx context.Context, key string, r io.Reader) error
}

// DriverType selects the archive backend.
type DriverType string

// DriverTypeNone disables archiving.
const DriverTypeNone DriverType = "none"

// DriverTypeLocal archives into a local directory.
const DriverTypeLocal DriverType = "local"

// DriverTypeS3 archives into an S3 bucket.
const DriverTypeS3 DriverType = "s3"

// Configuration selects and parameterizes the archive driver.
type Configuration struct {
	DriverType DriverType
	// Dir is the base directory of the local driver.
	Dir string
	// Bucket and Prefix name the S3 target.
	Bucket string
	Prefix string
	// Region, AccessID and AccessKey override the ambient AWS
	// configuration, e.g. for MinIO style deployments.
	Region    string
	AccessID  string
	AccessKey string
}

// NewDriver creates the configured driver. DriverTypeNone yields a nil
// driver, callers skip archiving entirely in that case.
func NewDriver(ctx context.Context, config Configuration) (Driver, error) {
	switch config.DriverType {
	case DriverTypeNone, "":
		return nil, nil
	case DriverTypeLocal:
		return NewLocal(config.Dir)
	case DriverTypeS3:
		return NewS3(ctx, config)
	}
	return nil, fmt.Errorf("unknown archive driver '%s'", config.DriverType)
}
