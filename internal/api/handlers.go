// Package api implements the chatlinkd management API: share-link creation
// and application, local state inspection, and OAuth connection control. It
// is a loopback-facing gin server; everything secret stays on this machine.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/chatlink-dev/chatlinkd/internal/config"
	"github.com/chatlink-dev/chatlinkd/internal/oauth"
	"github.com/chatlink-dev/chatlinkd/internal/sharelink"
	"github.com/chatlink-dev/chatlinkd/internal/state"
	"github.com/chatlink-dev/chatlinkd/internal/store"
	"github.com/chatlink-dev/chatlinkd/internal/util"
)

// Handler carries the services the management endpoints operate on.
type Handler struct {
	cfg         func() *config.Config
	state       *state.Service
	oauth       *oauth.Manager
	sessionKeys *store.SessionKeyHolder
}

// NewHandler builds the endpoint set. cfg is a getter so handlers always see
// the latest reloaded configuration.
func NewHandler(cfg func() *config.Config, st *state.Service, om *oauth.Manager, keys *store.SessionKeyHolder) *Handler {
	return &Handler{cfg: cfg, state: st, oauth: om, sessionKeys: keys}
}

type shareCreateRequest struct {
	Password string               `json:"password"`
	Include  state.CollectOptions `json:"include"`
}

type shareCreateResponse struct {
	URL   string       `json:"url"`
	Stats *state.Stats `json:"stats,omitempty"`
}

// createShareLink collects the selected slots of local state, encrypts them,
// and returns the share URL.
func (h *Handler) createShareLink(c *gin.Context) {
	var req shareCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	payload, stats, err := h.state.Collect(req.Include)
	if err != nil {
		h.renderError(c, err)
		return
	}

	url, err := sharelink.CreateLink(payload, req.Password, h.cfg().ShareBaseURL)
	if err != nil {
		h.renderError(c, err)
		return
	}

	h.sessionKeys.SetSessionKey([]byte(req.Password))
	log.WithField("path", c.FullPath()).Infof("share link created, %d bytes of payload", stats.PayloadBytes)
	c.JSON(http.StatusOK, shareCreateResponse{URL: url, Stats: stats})
}

type shareDecryptRequest struct {
	Link     string `json:"link"`
	Password string `json:"password"`
}

type sharePreviewResponse struct {
	Payload *sharelink.SharePayload `json:"payload"`
	Fields  []string                `json:"fields"`
}

// previewShareLink decrypts a link and reports what it carries, without
// touching local state. The apply endpoint expects the caller to have shown
// this to the user first.
func (h *Handler) previewShareLink(c *gin.Context) {
	payload, ok := h.decryptFromRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sharePreviewResponse{Payload: maskedPayload(payload), Fields: payload.PresentFields()})
}

// applyShareLink decrypts a link and writes its fields into local state.
func (h *Handler) applyShareLink(c *gin.Context) {
	payload, ok := h.decryptFromRequest(c)
	if !ok {
		return
	}
	if err := h.state.Apply(payload); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": payload.PresentFields()})
}

func (h *Handler) decryptFromRequest(c *gin.Context) (*sharelink.SharePayload, bool) {
	var req shareDecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}

	data, found := sharelink.ExtractLink(req.Link)
	if !found {
		// Not a URL with a recognized fragment; treat the input as the
		// bare encrypted blob.
		data = req.Link
	}

	payload, err := sharelink.DecryptLink(data, req.Password)
	if err != nil {
		h.renderError(c, err)
		return nil, false
	}
	h.sessionKeys.SetSessionKey([]byte(req.Password))
	return payload, true
}

// maskedPayload hides credential values in a preview while keeping their
// presence visible.
func maskedPayload(p *sharelink.SharePayload) *sharelink.SharePayload {
	masked := *p
	if masked.APIKey != "" {
		masked.APIKey = util.HideAPIKey(masked.APIKey)
	}
	if len(p.MCPConnections) > 0 {
		masked.MCPConnections = make(map[string]sharelink.Credential, len(p.MCPConnections))
		for key, cred := range p.MCPConnections {
			switch {
			case cred.Token != "":
				masked.MCPConnections[key] = sharelink.PlainToken(util.HideAPIKey(cred.Token))
			case cred.OAuth != nil:
				o := *cred.OAuth
				o.AccessToken = util.HideAPIKey(o.AccessToken)
				o.RefreshToken = util.HideAPIKey(o.RefreshToken)
				masked.MCPConnections[key] = sharelink.Credential{OAuth: &o}
			default:
				masked.MCPConnections[key] = cred
			}
		}
	}
	return &masked
}

type connectionInfo struct {
	Server     string          `json:"server"`
	Flow       oauth.FlowKind  `json:"flow"`
	Connected  bool            `json:"connected"`
	Expired    bool            `json:"expired,omitempty"`
	NoRefresh  bool            `json:"noRefresh,omitempty"`
	FlowState  oauth.FlowState `json:"flowState,omitempty"`
	FlowID     string          `json:"flowId,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// listConnections reports every configured provider with its token and flow
// status. Token values never leave the server through this endpoint.
func (h *Handler) listConnections(c *gin.Context) {
	infos := make([]connectionInfo, 0)
	for _, p := range h.oauth.Providers() {
		info := connectionInfo{Server: p.Key(), Flow: p.Flow}
		if token, ok := h.oauth.Token(p.Key()); ok {
			info.Connected = true
			info.Expired = token.Expired(time.Now())
			info.NoRefresh = token.NoRefresh
		}
		for _, flow := range h.oauth.PendingFlows() {
			if flow.Config.Key() == p.Key() {
				info.FlowState = flow.FlowState
				info.FlowID = flow.ID
				info.LastError = flow.LastError
			}
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, gin.H{"connections": infos})
}

type startFlowRequest struct {
	Replace bool `json:"replace,omitempty"`
}

// startFlow begins an authorization for one provider.
func (h *Handler) startFlow(c *gin.Context) {
	var req startFlowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	flow, err := h.oauth.StartFlow(c.Request.Context(), c.Param("server"), req.Replace)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, flowResponse(flow))
}

// listFlows returns every pending authorization.
func (h *Handler) listFlows(c *gin.Context) {
	flows := h.oauth.PendingFlows()
	out := make([]gin.H, 0, len(flows))
	for _, flow := range flows {
		out = append(out, flowResponse(flow))
	}
	c.JSON(http.StatusOK, gin.H{"flows": out})
}

// getFlow returns one pending authorization.
func (h *Handler) getFlow(c *gin.Context) {
	flow, ok := h.oauth.FlowByID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending authorization with this id"})
		return
	}
	c.JSON(http.StatusOK, flowResponse(flow))
}

// cancelFlow aborts a pending authorization.
func (h *Handler) cancelFlow(c *gin.Context) {
	if err := h.oauth.CancelFlow(c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

type manualInputRequest struct {
	Response string `json:"response"`
}

// submitDeviceAuthorization accepts the pasted device-code JSON for a manual
// flow.
func (h *Handler) submitDeviceAuthorization(c *gin.Context) {
	var req manualInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	flow, err := h.oauth.SubmitManualDeviceAuthorization(c.Param("id"), req.Response)
	if err != nil {
		h.renderError(c, err)
		return
	}
	resp := flowResponse(flow)
	resp["tokenCommand"] = oauth.ManualTokenCommand(flow)
	c.JSON(http.StatusOK, resp)
}

// submitTokenResponse accepts the pasted token JSON that ends a manual
// exchange.
func (h *Handler) submitTokenResponse(c *gin.Context) {
	var req manualInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if _, err := h.oauth.SubmitManualTokenResponse(c.Param("id"), req.Response); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

type callbackRequest struct {
	URL string `json:"url"`
}

// submitCallback finishes an authorization-code flow from a pasted redirect
// URL, for when the local callback server could not receive it.
func (h *Handler) submitCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	code, state, err := oauth.ParseCallbackURL(req.URL)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if _, err = h.oauth.ResumeAuthorizationCode(c.Request.Context(), code, state); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

// refreshConnection forces a token refresh for one provider.
func (h *Handler) refreshConnection(c *gin.Context) {
	token, err := h.oauth.RefreshAccessToken(c.Request.Context(), c.Param("server"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed", "expiresIn": token.ExpiresIn})
}

// disconnect revokes and forgets a provider's token.
func (h *Handler) disconnect(c *gin.Context) {
	if err := h.oauth.RevokeToken(c.Request.Context(), c.Param("server")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func flowResponse(flow *oauth.PendingFlow) gin.H {
	resp := gin.H{
		"id":        flow.ID,
		"server":    flow.Config.Key(),
		"flow":      flow.Config.Flow,
		"flowState": flow.FlowState,
	}
	if flow.AuthorizationURL != "" {
		resp["authorizationUrl"] = flow.AuthorizationURL
	}
	if flow.UserCode != "" {
		resp["userCode"] = flow.UserCode
		resp["verificationUri"] = flow.VerificationURI
		resp["expiresAt"] = flow.ExpiresAt
	}
	if flow.Config.Flow == oauth.FlowManualDevice && flow.DeviceCode == "" {
		resp["deviceCommand"] = oauth.ManualDeviceCommand(&flow.Config)
	}
	if flow.ManualPollFallback {
		resp["manualPollFallback"] = true
	}
	if flow.LastError != "" {
		resp["lastError"] = flow.LastError
	}
	return resp
}

// renderError maps domain errors to HTTP statuses with the user-facing
// message.
func (h *Handler) renderError(c *gin.Context, err error) {
	var (
		inProgress   *oauth.FlowInProgressError
		invalidState *oauth.InvalidStateError
		reauth       *oauth.ReauthorizationRequiredError
	)

	status := http.StatusInternalServerError
	message := err.Error()

	switch {
	case errors.As(err, &inProgress):
		status = http.StatusConflict
		message = oauth.UserFriendlyMessage(err)
	case errors.As(err, &invalidState):
		status = http.StatusNotFound
		message = oauth.UserFriendlyMessage(err)
	case errors.As(err, &reauth):
		status = http.StatusUnauthorized
		message = oauth.UserFriendlyMessage(err)
	case sharelink.IsDecryptionAuthenticationError(err):
		status = http.StatusUnprocessableEntity
	case sharelink.IsPayloadFormatError(err):
		status = http.StatusBadRequest
	case errors.Is(err, sharelink.ErrEmptyPayload), errors.Is(err, sharelink.ErrInvalidPassword):
		status = http.StatusBadRequest
	case oauth.IsCORSBlocked(err):
		status = http.StatusBadGateway
		message = oauth.UserFriendlyMessage(err)
	default:
	}

	if status >= http.StatusInternalServerError {
		log.Errorf("management request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": message})
}
