package walletapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/checkout"
	"github.com/MarkoPoloResearchLab/credits/internal/reconciler"
	"github.com/MarkoPoloResearchLab/credits/pkg/billing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	authClaimsKey   = "auth_claims"
	signatureHeader = "X-Payment-Signature"
)

// Server exposes the wallet API and the inbound payment webhook. All
// collaborators are constructed at startup and injected; the server holds
// no globals.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	engine     *billing.Engine
	store      billing.Store
	reconciler *reconciler.Reconciler
	checkout   *checkout.Service
}

// NewServer wires a Server.
func NewServer(cfg Config, logger *zap.Logger, engine *billing.Engine, store billing.Store, webhookReconciler *reconciler.Reconciler, checkoutService *checkout.Service) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("billing engine is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if webhookReconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if checkoutService == nil {
		return nil, fmt.Errorf("checkout service is required")
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		store:      store,
		reconciler: webhookReconciler,
		checkout:   checkoutService,
	}, nil
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(server.cfg.SessionSigningKey),
		Issuer:     server.cfg.SessionIssuer,
		CookieName: server.cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	router := server.setupRouter(validator)

	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("wallet api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The provider authenticates by signature, not session.
	router.POST("/webhooks/payment", server.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(authClaimsKey))

	api.GET("/session", server.handleSession)
	api.GET("/packs", server.handlePacks)
	api.POST("/bootstrap", server.handleBootstrap)
	api.GET("/wallet", server.handleWallet)
	api.POST("/purchases", server.handlePurchase)
	api.POST("/spend", server.handleSpend)
	api.POST("/admin/grants", server.handleAdminGrant)

	return router
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	rawBody, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	outcome, err := server.reconciler.Process(ctx.Request.Context(), rawBody, ctx.GetHeader(signatureHeader))
	if err != nil {
		server.respondWebhookError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, WebhookEnvelope{
		Success:          true,
		AlreadyProcessed: outcome.AlreadyProcessed,
		Credited:         outcome.Credited,
		NewBalanceUnits:  outcome.NewBalanceUnits,
	})
}

func (server *Server) respondWebhookError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, reconciler.ErrSignatureInvalid):
		ctx.JSON(http.StatusUnauthorized, errorResponse("signature_invalid", "webhook signature rejected"))
	case errors.Is(err, reconciler.ErrReplayTooOld):
		ctx.JSON(http.StatusUnauthorized, errorResponse("replay_too_old", "webhook signature expired"))
	case errors.Is(err, billing.ErrPurchaseNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_order", "no purchase for order id"))
	case errors.Is(err, reconciler.ErrMissingOrderID), errors.Is(err, reconciler.ErrInvalidPayload):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "missing or malformed order id"))
	case errors.Is(err, reconciler.ErrUnsupportedStatus):
		ctx.JSON(http.StatusBadRequest, errorResponse("unsupported_status", "webhook status not recognized"))
	case errors.Is(err, reconciler.ErrProviderVerificationFailed):
		ctx.JSON(http.StatusBadRequest, errorResponse("verification_failed", "provider re-verification rejected the webhook"))
	case errors.Is(err, billing.ErrTerminalStateConflict):
		ctx.JSON(http.StatusBadRequest, errorResponse("terminal_conflict", "purchase already in a conflicting terminal state"))
	default:
		server.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "webhook processing failed"))
	}
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (server *Server) handlePacks(ctx *gin.Context) {
	packs := checkout.Packs()
	payload := make([]gin.H, 0, len(packs))
	for _, pack := range packs {
		payload = append(payload, gin.H{
			"pack_id":      pack.PackID,
			"display_name": pack.DisplayName,
			"units":        pack.Units,
			"credits":      pack.Units / unitsPerCredit,
			"price_cents":  pack.PriceCents,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packs": payload})
}

func (server *Server) handleBootstrap(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request bootstrapRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	account, ok := server.resolveAccount(ctx, claims, request.WorkspaceID)
	if !ok {
		return
	}
	amount, err := billing.NewUnits(TrialUnits())
	if err != nil {
		server.respondInternal(ctx, err)
		return
	}
	metadata, err := billing.NewMetadataJSON(marshalMetadata(map[string]string{"action": "free_trial"}))
	if err != nil {
		server.respondInternal(ctx, err)
		return
	}
	if _, _, err := server.engine.GrantTrial(ctx.Request.Context(), account.AccountID, amount, metadata); err != nil {
		server.respondInternal(ctx, err)
		return
	}
	server.respondWithWallet(ctx, account)
}

func (server *Server) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	account, ok := server.resolveAccount(ctx, claims, ctx.Query("workspace_id"))
	if !ok {
		return
	}
	server.respondWithWallet(ctx, account)
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	account, ok := server.resolveAccount(ctx, claims, request.WorkspaceID)
	if !ok {
		return
	}
	metadata, err := billing.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}
	purchase, err := server.checkout.Start(ctx.Request.Context(), account.AccountID, request.PackID, metadata)
	if err != nil {
		if errors.Is(err, checkout.ErrUnknownPack) {
			ctx.JSON(http.StatusBadRequest, errorResponse("unknown_pack", fmt.Sprintf("no credit pack %q", request.PackID)))
			return
		}
		server.logger.Error("checkout start failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "checkout session could not be opened"))
		return
	}
	ctx.JSON(http.StatusOK, PurchaseEnvelope{
		PurchaseID:  purchase.PurchaseID.String(),
		Status:      purchase.Status.String(),
		CheckoutURL: purchase.CheckoutURL,
		Units:       purchase.Units.Int64(),
		AmountCents: purchase.AmountCents.Int64(),
	})
}

func (server *Server) handleSpend(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	account, ok := server.resolveAccount(ctx, claims, request.WorkspaceID)
	if !ok {
		return
	}
	amount, err := billing.NewUnits(request.Units)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_units", "units must be greater than zero"))
		return
	}
	jobID := request.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	reference, err := billing.NewReference(billing.ReferenceTypeGeneration, jobID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_job_id", "job id is malformed"))
		return
	}
	metadata, err := billing.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}

	_, err = server.engine.Debit(ctx.Request.Context(), account.AccountID, amount, billing.ReasonGenerationDebit, reference, metadata)
	if err != nil {
		var insufficiency billing.InsufficientFundsError
		if errors.As(err, &insufficiency) {
			// A failed debit is a hard stop for the caller, never retried here.
			server.respondSpendStatus(ctx, account, "insufficient_funds", insufficiency.Error())
			return
		}
		server.respondInternal(ctx, err)
		return
	}
	server.respondSpendStatus(ctx, account, "success", "")
}

func (server *Server) handleAdminGrant(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !hasRole(claims, adminRole) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	var request adminGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind, err := billing.ParseAccountKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", "kind must be user or workspace"))
		return
	}
	owner, err := billing.NewOwnerID(request.OwnerID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_owner", "owner id is required"))
		return
	}
	amount, err := billing.NewUnits(request.Units)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_units", "units must be greater than zero"))
		return
	}
	account, err := server.store.GetOrCreateAccount(ctx.Request.Context(), kind, owner)
	if err != nil {
		server.respondInternal(ctx, err)
		return
	}
	reference, err := billing.NewReference(billing.ReferenceTypeAdmin, uuid.NewString())
	if err != nil {
		server.respondInternal(ctx, err)
		return
	}
	metadata, err := billing.NewMetadataJSON(marshalMetadata(map[string]string{
		"action":     "admin_grant",
		"granted_by": claims.GetUserID(),
		"note":       request.Note,
	}))
	if err != nil {
		server.respondInternal(ctx, err)
		return
	}
	if _, err := server.engine.Credit(ctx.Request.Context(), account.AccountID, amount, billing.ReasonAdminGrant, reference, metadata); err != nil {
		server.respondInternal(ctx, err)
		return
	}
	server.respondWithWallet(ctx, account)
}

func (server *Server) resolveAccount(ctx *gin.Context, claims *sessionvalidator.Claims, workspaceID string) (billing.Account, bool) {
	kind := billing.AccountKindUser
	ownerRaw := claims.GetUserID()
	if workspaceID != "" {
		kind = billing.AccountKindWorkspace
		ownerRaw = workspaceID
	}
	owner, err := billing.NewOwnerID(ownerRaw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_owner", "account owner is malformed"))
		return billing.Account{}, false
	}
	account, err := server.store.GetOrCreateAccount(ctx.Request.Context(), kind, owner)
	if err != nil {
		server.respondInternal(ctx, err)
		return billing.Account{}, false
	}
	return account, true
}

func (server *Server) respondSpendStatus(ctx *gin.Context, account billing.Account, status string, message string) {
	wallet, err := server.fetchWallet(ctx.Request.Context(), account)
	if err != nil {
		server.respondInternal(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, SpendEnvelope{
		Status:  status,
		Message: message,
		Wallet:  wallet,
	})
}

func (server *Server) respondWithWallet(ctx *gin.Context, account billing.Account) {
	wallet, err := server.fetchWallet(ctx.Request.Context(), account)
	if err != nil {
		server.respondInternal(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, WalletEnvelope{Wallet: wallet})
}

func (server *Server) fetchWallet(ctx context.Context, account billing.Account) (WalletPayload, error) {
	balance, err := server.engine.Balance(ctx, account.AccountID)
	if err != nil {
		return WalletPayload{}, err
	}
	entries, err := server.engine.Statement(ctx, account.AccountID, time.Now().UTC().Add(time.Second).Unix(), StatementLimit())
	if err != nil {
		return WalletPayload{}, err
	}

	payloads := make([]EntryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, EntryPayload{
			EntryID:        entry.EntryID,
			DeltaUnits:     entry.Delta.Int64(),
			BalanceAfter:   entry.BalanceAfter,
			Reason:         entry.Reason.String(),
			RefType:        entry.Reference.Type(),
			RefID:          entry.Reference.ID(),
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}

	return WalletPayload{
		AccountID: account.AccountID.String(),
		Balance: BalancePayload{
			BalanceUnits:   balance,
			BalanceCredits: balance / unitsPerCredit,
		},
		Entries: payloads,
	}, nil
}

func (server *Server) respondInternal(ctx *gin.Context, err error) {
	server.logger.Error("request failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
}

func marshalMetadata(metadata any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func hasRole(claims *sessionvalidator.Claims, role string) bool {
	for _, assigned := range claims.GetUserRoles() {
		if assigned == role {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type bootstrapRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

type purchaseRequest struct {
	PackID      string         `json:"pack_id"`
	WorkspaceID string         `json:"workspace_id"`
	Metadata    map[string]any `json:"metadata"`
}

type spendRequest struct {
	Units       int64          `json:"units"`
	JobID       string         `json:"job_id"`
	WorkspaceID string         `json:"workspace_id"`
	Metadata    map[string]any `json:"metadata"`
}

type adminGrantRequest struct {
	Kind    string `json:"kind"`
	OwnerID string `json:"owner_id"`
	Units   int64  `json:"units"`
	Note    string `json:"note"`
}
