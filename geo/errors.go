package geo

import "fmt"

// InvalidGeometryError reports a malformed or empty geometry.
type InvalidGeometryError struct {
	Kind   string // "point" or "linestring"
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("invalid %s geometry: %s", e.Kind, e.Reason)
}

// UnsupportedCRSError reports a geometry whose reference frame is undefined
// or not one this package can reproject.
type UnsupportedCRSError struct {
	SRID int
}

func (e *UnsupportedCRSError) Error() string {
	if e.SRID == 0 {
		return "unsupported CRS: geometry has no reference frame and no default was supplied"
	}
	return fmt.Sprintf("unsupported CRS: EPSG:%d", e.SRID)
}
