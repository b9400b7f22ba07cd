package model

// TrajectorySample is one keyframe pose
type TrajectorySample struct {
	TimeCode float64 `json:"timeCode"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	QX       float64 `json:"qx"`
	QY       float64 `json:"qy"`
	QZ       float64 `json:"qz"`
	QW       float64 `json:"qw"`
}

// CompletedPart is one uploaded part of a multipart upload
type CompletedPart struct {
	PartNumber int32
	ETag       string
}
