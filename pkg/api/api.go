package api

import (
	"errors"
	"sync"
	"time"

	"github.com/fako1024/btgas/pkg/gas"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// API denotes a REST API for a cylinder monitor
type API struct {
	device    gas.Monitor
	store     gas.Store
	cylinders gas.CylinderRegistry

	router *fiber.App

	inclinationMu   sync.RWMutex
	lastInclination *gas.InclinationSample
}

// New instantiates a new API. If endpoint is non-empty the API starts
// listening on it right away
func New(device gas.Monitor, store gas.Store, cylinders gas.CylinderRegistry, endpoint string) *API {

	api := API{
		device:    device,
		store:     store,
		cylinders: cylinders,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
	}

	// Setup routes
	api.router.Get("/status", api.handleStatus())
	api.router.Get("/measurements", api.handleMeasurements())
	api.router.Get("/measurements/latest", api.handleLatestMeasurement())
	api.router.Get("/inclination", api.handleInclination())
	api.router.Post("/tare", api.handleTare())
	api.router.Post("/calibrate", api.handleCalibrate())
	api.router.Get("/intervals", api.handleGetIntervals())
	api.router.Put("/intervals", api.handleSetIntervals())
	api.router.Get("/cylinder", api.handleGetCylinder())
	api.router.Put("/cylinder", api.handleSetCylinder())

	// Start to listen in goroutine
	if endpoint != "" {
		go func() {
			if err := api.router.Listen(endpoint); err != nil {
				panic(err)
			}
		}()
	}

	return &api
}

// RecordInclination caches the most recent inclination sample for retrieval
// via GET /inclination. Intended to be wired to the monitor's inclination
// handler
func (api *API) RecordInclination(sample gas.InclinationSample) {
	api.inclinationMu.Lock()
	api.lastInclination = &sample
	api.inclinationMu.Unlock()
}

// Shutdown gracefully terminates the API listener
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

////////////////////////////////////////////////////////////////////////////////

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	State               string `json:"state"`
	Error               string `json:"error,omitempty"`
	WeightInterval      string `json:"weight_interval"`
	InclinationInterval string `json:"inclination_interval"`
	LastDrainMs         int64  `json:"last_drain_ms"`
}

type measurementResponse struct {
	TimeStamp   time.Time `json:"timestamp"`
	TotalKg     float64   `json:"total_kg"`
	FuelKg      float64   `json:"fuel_kg"`
	FuelPercent float64   `json:"fuel_percent"`
	Historical  bool      `json:"historical"`
}

type inclinationResponse struct {
	TimeStamp time.Time `json:"timestamp"`
	PitchDeg  float64   `json:"pitch_deg"`
	RollDeg   float64   `json:"roll_deg"`
}

type calibrateRequest struct {
	KnownKg float64 `json:"known_kg"`
}

type intervalsRequest struct {
	Weight      string `json:"weight"`
	Inclination string `json:"inclination"`
}

type intervalsResponse struct {
	Weight      string `json:"weight"`
	Inclination string `json:"inclination"`
}

type cylinderRequest struct {
	ID         string  `json:"id,omitempty"`
	Name       string  `json:"name"`
	TareKg     float64 `json:"tare_kg"`
	CapacityKg float64 `json:"capacity_kg"`
}

type cylinderResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	TareKg     float64 `json:"tare_kg"`
	CapacityKg float64 `json:"capacity_kg"`
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status := api.device.ConnectionStatus()
		weight, inclination := api.device.PollIntervals()

		resp := statusResponse{
			State:               status.State.String(),
			WeightInterval:      weight.String(),
			InclinationInterval: inclination.String(),
			LastDrainMs:         api.device.LastDrainDuration().Milliseconds(),
		}
		if status.Error != nil {
			resp.Error = status.Error.Error()
		}

		return c.JSON(resp)
	}
}

func (api *API) handleMeasurements() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		cylinder, err := api.cylinders.ActiveCylinder()
		if err != nil {
			return api.sendError(c, err)
		}

		var from, to time.Time
		if v := c.Query("from"); v != "" {
			if from, err = time.Parse(time.RFC3339, v); err != nil {
				return api.sendError(c, &gas.ValidationError{Field: "from", Reason: "not a valid RFC3339 timestamp"})
			}
		}
		if v := c.Query("to"); v != "" {
			if to, err = time.Parse(time.RFC3339, v); err != nil {
				return api.sendError(c, &gas.ValidationError{Field: "to", Reason: "not a valid RFC3339 timestamp"})
			}
		}
		limit := c.QueryInt("limit")

		measurements, err := api.store.History(cylinder.ID, from, to, limit)
		if err != nil {
			return api.sendError(c, err)
		}

		resp := make([]measurementResponse, len(measurements))
		for i, m := range measurements {
			resp[i] = newMeasurementResponse(m)
		}

		return c.JSON(resp)
	}
}

func (api *API) handleLatestMeasurement() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		cylinder, err := api.cylinders.ActiveCylinder()
		if err != nil {
			return api.sendError(c, err)
		}

		measurements, err := api.store.LastN(cylinder.ID, 1)
		if err != nil {
			return api.sendError(c, err)
		}
		if len(measurements) == 0 {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "no measurements recorded"})
		}

		return c.JSON(newMeasurementResponse(measurements[0]))
	}
}

func (api *API) handleInclination() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		api.inclinationMu.RLock()
		sample := api.lastInclination
		api.inclinationMu.RUnlock()

		if sample == nil {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "no inclination sample recorded"})
		}

		return c.JSON(inclinationResponse{
			TimeStamp: sample.TimeStamp,
			PitchDeg:  sample.PitchDeg,
			RollDeg:   sample.RollDeg,
		})
	}
}

func (api *API) handleTare() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.device.Tare(); err != nil {
			return api.sendError(c, err)
		}

		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleCalibrate() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req calibrateRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}

		if err := api.device.Calibrate(req.KnownKg); err != nil {
			return api.sendError(c, err)
		}

		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleGetIntervals() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		weight, inclination := api.device.PollIntervals()

		return c.JSON(intervalsResponse{
			Weight:      weight.String(),
			Inclination: inclination.String(),
		})
	}
}

func (api *API) handleSetIntervals() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req intervalsRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}

		weight, err := time.ParseDuration(req.Weight)
		if err != nil {
			return api.sendError(c, &gas.ValidationError{Field: "weight", Reason: "not a valid duration"})
		}
		inclination, err := time.ParseDuration(req.Inclination)
		if err != nil {
			return api.sendError(c, &gas.ValidationError{Field: "inclination", Reason: "not a valid duration"})
		}

		if err := api.device.SetPollIntervals(weight, inclination); err != nil {
			return api.sendError(c, err)
		}

		return c.JSON(intervalsResponse{
			Weight:      weight.String(),
			Inclination: inclination.String(),
		})
	}
}

func (api *API) handleGetCylinder() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		cylinder, err := api.cylinders.ActiveCylinder()
		if err != nil {
			return api.sendError(c, err)
		}

		return c.JSON(newCylinderResponse(cylinder))
	}
}

func (api *API) handleSetCylinder() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req cylinderRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
		}

		id := uuid.New()
		if req.ID != "" {
			var err error
			if id, err = uuid.Parse(req.ID); err != nil {
				return api.sendError(c, &gas.ValidationError{Field: "id", Reason: "not a valid UUID"})
			}
		}

		cylinder := gas.Cylinder{
			ID:         id,
			Name:       req.Name,
			TareKg:     req.TareKg,
			CapacityKg: req.CapacityKg,
		}
		if err := api.cylinders.SetActiveCylinder(cylinder); err != nil {
			return api.sendError(c, err)
		}

		return c.JSON(newCylinderResponse(cylinder))
	}
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) sendError(c *fiber.Ctx, err error) error {
	return c.Status(statusFromError(err)).JSON(errorResponse{Error: err.Error()})
}

func newMeasurementResponse(m gas.FuelMeasurement) measurementResponse {
	return measurementResponse{
		TimeStamp:   m.TimeStamp,
		TotalKg:     m.TotalKg,
		FuelKg:      m.FuelKg,
		FuelPercent: m.FuelPercent,
		Historical:  m.Historical,
	}
}

func newCylinderResponse(cylinder gas.Cylinder) cylinderResponse {
	return cylinderResponse{
		ID:         cylinder.ID.String(),
		Name:       cylinder.Name,
		TareKg:     cylinder.TareKg,
		CapacityKg: cylinder.CapacityKg,
	}
}

func statusFromError(err error) int {
	var validationErr *gas.ValidationError
	if errors.As(err, &validationErr) {
		return fiber.StatusBadRequest
	}

	var throttledErr *gas.ThrottledError
	if errors.As(err, &throttledErr) {
		return fiber.StatusTooManyRequests
	}

	switch {
	case errors.Is(err, gas.ErrNoActiveCylinder):
		return fiber.StatusNotFound
	case errors.Is(err, gas.ErrNotConnected):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, gas.ErrReadTimeout):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
