package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"chiselcore.dev/chiselcore/internal/applyflow"
	"chiselcore.dev/chiselcore/internal/ops"
)

// registerRoutes wires the HTTP surface onto s.Echo: the version-index
// root, the fixed-CORS preflight catch-all, the apply RPC (exposed as an
// in-process endpoint rather than a separate RPC transport), and the
// per-version dispatch route.
func registerRoutes(s *Server) {
	s.Echo.GET("/", s.handleIndex)
	s.Echo.OPTIONS("/*", s.handleOptions)
	s.Echo.POST("/apply", s.handleApply)
	s.Echo.POST("/login", s.handleLogin)
	s.Echo.Any("/:version/*", s.handleDispatch)
}

// loginRequest mints a legacy session token for a caller that cannot set
// the ChiselUID header itself.
// Requires the same admin secret the apply RPC does, since this codebase
// has no independent user-credential store to authenticate against.
type loginRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleLogin(c echo.Context) error {
	if s.Tokens == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no token service configured")
	}
	if s.Config.AdminSecret != "" {
		got := c.Request().Header.Get("ChiselAuth")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.Config.AdminSecret)) != 1 {
			return echo.NewHTTPError(http.StatusForbidden, "missing or invalid ChiselAuth header")
		}
	}
	var req loginRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil || req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "login requires a non-empty user_id")
	}

	txn, err := s.Apply.Engine.BeginTransaction(c.Request().Context())
	if err != nil {
		return err
	}
	token, err := s.Tokens.Issue(c.Request().Context(), txn, req.UserID)
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// handleIndex serves GET /, an index listing the known versions.
func (s *Server) handleIndex(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"versions": s.Trunk.List()})
}

// handleOptions implements the fixed-CORS preflight response; the
// actual header values are set by the CORS middleware NewServer installs,
// this handler only needs to return 200 with an empty body.
func (s *Server) handleOptions(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// applyRequest is the apply RPC's wire shape, decoded from a JSON body
// rather than the RPC transport this codebase doesn't implement.
type applyRequest struct {
	VersionID         string                   `json:"version_id"`
	Types             []applyflow.TypeDef      `json:"types"`
	Policies          []applyflow.PolicyInput  `json:"policies"`
	Modules           []applyflow.ModuleSource `json:"modules"`
	AllowTypeDeletion bool                     `json:"allow_type_deletion"`
}

// handleApply implements the apply RPC: it requires the
// ChiselAuth admin secret header when one is configured, decodes the
// request body, and runs applyflow.Apply, returning the RPC's
// {type_names_in_user_order, labels, endpoints} output on success.
func (s *Server) handleApply(c echo.Context) error {
	if s.Config.AdminSecret != "" {
		got := c.Request().Header.Get("ChiselAuth")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.Config.AdminSecret)) != 1 {
			return echo.NewHTTPError(http.StatusForbidden, "missing or invalid ChiselAuth header")
		}
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	var req applyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid apply request: "+err.Error())
	}

	input := applyflow.Input{
		VersionID:         req.VersionID,
		Types:             req.Types,
		Policies:          req.Policies,
		Modules:           req.Modules,
		AllowTypeDeletion: req.AllowTypeDeletion,
	}

	out, err := applyflow.Apply(c.Request().Context(), s.Apply, input)
	if err != nil {
		s.Log.WithError(err).WithField("version_id", req.VersionID).Warn("apply failed")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"type_names_in_user_order": out.TypeNamesInUserOrder,
		"labels":                   out.Labels,
		"endpoints":                out.Endpoints,
	})
}

// resolveUserID resolves the two ways a request names its caller:
// the ChiselUID header this codebase treats as authoritative when present,
// falling back to validating an "Authorization: Bearer <token>" legacy
// session token minted by handleLogin. A token that fails to validate (
// expired, revoked, malformed) resolves to an empty user id rather than an
// error here; AuthorizePath/AuthorizeHeader, not user-id resolution, are
// what turn "no caller identity" into a 403.
func (s *Server) resolveUserID(c echo.Context) string {
	if uid := c.Request().Header.Get("ChiselUID"); uid != "" {
		return uid
	}
	if s.Tokens == nil {
		return ""
	}
	authz := c.Request().Header.Get("Authorization")
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		return ""
	}

	ctx := c.Request().Context()
	txn, err := s.Apply.Engine.BeginTransaction(ctx)
	if err != nil {
		return ""
	}
	defer txn.Rollback()

	claims, err := s.Tokens.Validate(ctx, txn, token)
	if err != nil {
		return ""
	}
	return claims.UserID
}

// handleDispatch serves /{version_id}/{routing_path}: it looks up the
// live Version,
// builds the HTTPRequest the worker's VersionHandler interprets, and waits
// for its HTTPResponse.
func (s *Server) handleDispatch(c echo.Context) error {
	versionID := c.Param("version")
	version, ok := s.Trunk.Lookup(versionID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown version "+versionID)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}

	routingPath := c.Param("*")
	req := &HTTPRequest{
		Method:      c.Request().Method,
		URI:         c.Request().RequestURI,
		Headers:     map[string][]string(c.Request().Header),
		Body:        body,
		RoutingPath: "/" + routingPath,
		UserID:      s.resolveUserID(c),
	}

	if !version.Policy.AuthorizeHeader(req.RoutingPath, c.Request().Header) {
		return echo.NewHTTPError(http.StatusForbidden, "missing or invalid secret header")
	}

	result, err := version.Dispatch(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if result.Err != nil {
		if errors.Is(result.Err, ops.ErrForbidden) {
			return echo.NewHTTPError(http.StatusForbidden, result.Err.Error())
		}
		return result.Err
	}

	resp, ok := result.Value.(*HTTPResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "version handler returned an unexpected payload")
	}
	for k, v := range resp.Headers {
		c.Response().Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if len(resp.Body) == 0 {
		return c.NoContent(status)
	}
	return c.Blob(status, contentTypeOf(resp.Headers), resp.Body)
}

func contentTypeOf(headers map[string]string) string {
	if ct, ok := headers["Content-Type"]; ok {
		return ct
	}
	return "application/json"
}
