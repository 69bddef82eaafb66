package controlapi

import "github.com/go-playground/validator/v10"

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// IgnitionRequest is the payload for POST /v1/ignition.
type IgnitionRequest struct {
	On *bool `json:"on" validate:"required"`
}

// GeofenceRequest is the payload for POST /v1/geofence.
type GeofenceRequest struct {
	ID      string `json:"id" validate:"required"`
	Entered *bool  `json:"entered" validate:"required"`
}

// SpeedRequest is the payload for POST /v1/speed.
type SpeedRequest struct {
	Kph float64 `json:"kph" validate:"gte=0"`
}

func validateStruct(s any) error {
	return validate.Struct(s)
}
