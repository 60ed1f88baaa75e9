package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sweeney/upsdash/internal/aggregate"
	"github.com/sweeney/upsdash/internal/nut"
)

// serverErrorView is one unreachable server in a device listing.
type serverErrorView struct {
	Server string `json:"server"`
	Error  string `json:"error"`
}

type devicesResponse struct {
	Devices []nut.Device      `json:"devices"`
	Updated time.Time         `json:"updated"`
	Errors  []serverErrorView `json:"errors"`
}

func newDevicesResponse(res aggregate.Result) devicesResponse {
	resp := devicesResponse{Devices: res.Devices, Updated: time.Now().UTC(), Errors: []serverErrorView{}}
	for _, f := range res.Failures {
		resp.Errors = append(resp.Errors, serverErrorView{Server: f.Server.Addr(), Error: f.Err.Error()})
	}
	return resp
}

// listDevices returns every device from every server. Partial failures are
// reported in errors alongside the devices that did load.
func (h *Handler) listDevices(c *gin.Context) {
	configs, ok := h.servers(c)
	if !ok {
		return
	}
	res, err := h.agg.GetAllDevices(c.Request.Context(), configs)
	if err != nil && len(res.Failures) == len(configs) {
		h.fail(c, "listing devices", err)
		return
	}
	c.JSON(http.StatusOK, newDevicesResponse(res))
}

func (h *Handler) getDevice(c *gin.Context) {
	configs, ok := h.servers(c)
	if !ok {
		return
	}
	name := c.Param("device")
	res, err := h.agg.GetAllDevices(c.Request.Context(), configs)
	for _, d := range res.Devices {
		if d.Name == name {
			c.JSON(http.StatusOK, d)
			return
		}
	}
	if err != nil && len(res.Failures) == len(configs) {
		h.fail(c, "loading device", err, "device", name)
		return
	}
	h.fail(c, "loading device", &nut.DeviceNotFoundError{Device: name})
}

func (h *Handler) getVar(c *gin.Context) {
	configs, ok := h.servers(c)
	if !ok {
		return
	}
	device, param := c.Param("device"), c.Param("param")
	value, err := h.agg.GetVar(c.Request.Context(), configs, device, param)
	if err != nil {
		h.fail(c, "reading variable", err, "device", device, "var", param)
		return
	}
	c.JSON(http.StatusOK, value)
}

// setVar takes the new value as a bare JSON string.
func (h *Handler) setVar(c *gin.Context) {
	var value string
	if err := c.ShouldBindJSON(&value); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON string: " + err.Error()})
		return
	}
	configs, ok := h.servers(c)
	if !ok {
		return
	}
	device, param := c.Param("device"), c.Param("param")
	res, err := h.agg.SetVar(c.Request.Context(), configs, device, param, value)
	if err != nil {
		h.fail(c, "writing variable", err, "device", device, "var", param)
		return
	}
	h.log.Infow("variable saved", "device", device, "var", param, "value", value,
		"request_id", c.GetString(ctxRequestID))
	c.JSON(http.StatusOK, res.Message())
}

// getDescriptions answers ?var=a&var=b with {"data": {"a": ..., "b": ...}}.
func (h *Handler) getDescriptions(c *gin.Context) {
	vars := c.QueryArray("var")
	if len(vars) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "at least one var query parameter is required"})
		return
	}
	configs, ok := h.servers(c)
	if !ok {
		return
	}
	device := c.Param("device")
	data, err := h.agg.GetVarDescriptions(c.Request.Context(), configs, device, vars)
	if err != nil {
		h.fail(c, "reading descriptions", err, "device", device)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}
