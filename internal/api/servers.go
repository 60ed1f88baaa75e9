package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"

	"github.com/sweeney/upsdash/internal/nut"
	"github.com/sweeney/upsdash/internal/settings"
)

// serverRequest is the JSON form of a server in PUT /servers and the test
// endpoints. A nil Password on PUT keeps the stored password for the same
// host and port.
type serverRequest struct {
	Host     string  `json:"host" binding:"required"`
	Port     int     `json:"port"`
	Username string  `json:"username"`
	Password *string `json:"password"`
}

func (r serverRequest) config() (nut.ServerConfig, error) {
	var password string
	if r.Password != nil {
		password = *r.Password
	}
	return nut.NewServerConfig(r.Host, r.Port, r.Username, password)
}

// serverView never carries the password itself.
type serverView struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	HasPassword bool   `json:"hasPassword"`
}

func newServerViews(configs []nut.ServerConfig) []serverView {
	views := make([]serverView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, serverView{
			Host:        cfg.Host,
			Port:        cfg.Port,
			Username:    cfg.Username,
			HasPassword: cfg.Password != "",
		})
	}
	return views
}

func (h *Handler) configured(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"configured": settings.Configured(h.store)})
}

// listServers returns the stored servers. Entries that fail validation are
// listed under errors instead.
func (h *Handler) listServers(c *gin.Context) {
	configs, err := settings.Servers(h.store)
	problems := []string{}
	for _, e := range multierr.Errors(err) {
		problems = append(problems, e.Error())
	}
	c.JSON(http.StatusOK, gin.H{"servers": newServerViews(configs), "errors": problems})
}

func (h *Handler) putServers(c *gin.Context) {
	var reqs []serverRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	existing, _ := settings.Servers(h.store)
	configs := make([]nut.ServerConfig, 0, len(reqs))
	var errs error
	for _, r := range reqs {
		cfg, err := r.config()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if r.Password == nil {
			cfg.Password = storedPassword(existing, cfg)
		}
		configs = append(configs, cfg)
	}
	if errs != nil {
		h.fail(c, "saving servers", errs)
		return
	}

	if err := settings.SetServers(h.store, configs); err != nil {
		h.fail(c, "saving servers", err)
		return
	}
	h.log.Infow("servers saved", "count", len(configs), "request_id", c.GetString(ctxRequestID))
	c.JSON(http.StatusOK, gin.H{"servers": newServerViews(configs)})
}

func storedPassword(existing []nut.ServerConfig, cfg nut.ServerConfig) string {
	for _, e := range existing {
		if e.Addr() == cfg.Addr() && e.Username == cfg.Username {
			return e.Password
		}
	}
	return ""
}

// testServer checks that the daemon answers, without authenticating.
func (h *Handler) testServer(c *gin.Context) {
	cfg, ok := h.bindServer(c)
	if !ok {
		return
	}
	if err := h.agg.TestConnection(c.Request.Context(), cfg); err != nil {
		h.fail(c, "testing server", err, "server", cfg.Addr())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) checkCredentials(c *gin.Context) {
	cfg, ok := h.bindServer(c)
	if !ok {
		return
	}
	if err := h.agg.CheckCredentials(c.Request.Context(), cfg); err != nil {
		h.fail(c, "checking credentials", err, "server", cfg.Addr())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) bindServer(c *gin.Context) (nut.ServerConfig, bool) {
	var req serverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return nut.ServerConfig{}, false
	}
	cfg, err := req.config()
	if err != nil {
		h.fail(c, "validating server", err)
		return nut.ServerConfig{}, false
	}
	return cfg, true
}

// disconnect forgets every stored connection setting.
func (h *Handler) disconnect(c *gin.Context) {
	if err := settings.Disconnect(h.store); err != nil {
		h.fail(c, "clearing settings", err)
		return
	}
	h.log.Infow("settings cleared", "request_id", c.GetString(ctxRequestID))
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}
