package models

import "time"

// Artifact is an opaque handle to a geometry object produced by the script
// executor. The core never interprets the handle beyond its metadata.
type Artifact struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	BoundingBox [6]float64 `json:"bounding_box"` // xmin, ymin, zmin, xmax, ymax, zmax
	Volume      float64    `json:"volume"`
}

// ExecutionReport is the script executor's account of one execution round.
// Validity flags cover the union of all produced artifacts.
type ExecutionReport struct {
	Success              bool          `json:"success"`
	Artifacts            []Artifact    `json:"artifacts,omitempty"`
	IsManifold           bool          `json:"is_manifold"`
	HasInvalidFaces      bool          `json:"has_invalid_faces"`
	HasSelfIntersections bool          `json:"has_self_intersections"`
	Errors               []string      `json:"errors,omitempty"`
	Warnings             []string      `json:"warnings,omitempty"`
	Duration             time.Duration `json:"duration"`
}
