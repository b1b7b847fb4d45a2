package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idmint/internal/ledger"
	"idmint/internal/registry/models"
	"idmint/internal/registry/store"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/middleware/requesttime"
)

func newExecutor(t *testing.T, now time.Time) (*Executor, *Service, *ledger.Signer) {
	t.Helper()
	admin := ledger.GenerateSigner()
	svc := New(store.NewInMemoryState())
	require.NoError(t, svc.Bootstrap(requesttime.WithTime(context.Background(), now), admin.Address))
	return NewExecutor(svc), svc, admin
}

func TestExecuteAddIssuer(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := requesttime.WithTime(context.Background(), now)
	exec, svc, admin := newExecutor(t, now)
	issuer := ledger.GenerateSigner()

	req, err := SignEnvelope(admin, OpAddIssuer, AddIssuerParams{
		Address:  issuer.Address,
		Metadata: models.Metadata{Name: "Acme KYC", URL: "https://acme.example"},
	}, now)
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, *req))

	ok, err := svc.IsAuthorized(ctx, issuer.Address)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("replayed envelope is rejected", func(t *testing.T) {
		err := exec.Execute(ctx, *req)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func TestExecuteSurvivesReencoding(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := requesttime.WithTime(context.Background(), now)
	exec, _, admin := newExecutor(t, now)
	issuer := ledger.GenerateSigner()

	req, err := SignEnvelope(admin, OpAddIssuer, AddIssuerParams{
		Address:  issuer.Address,
		Metadata: models.Metadata{Name: "Acme KYC", URL: "https://acme.example"},
	}, now)
	require.NoError(t, err)

	// Clients may send params with any key order and whitespace.
	req.Envelope.Params = json.RawMessage(`{ "metadata": {"url":"https://acme.example", "name":"Acme KYC"}, "address": "` + issuer.Address + `" }`)
	assert.NoError(t, exec.Execute(ctx, *req))
}

func TestExecuteRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := requesttime.WithTime(context.Background(), now)
	exec, _, admin := newExecutor(t, now)
	outsider := ledger.GenerateSigner()

	sign := func(s *ledger.Signer, op Op, params any, at time.Time) SignedRequest {
		req, err := SignEnvelope(s, op, params, at)
		require.NoError(t, err)
		return *req
	}
	transfer := TransferAdminParams{NewAdmin: outsider.Address}

	cases := map[string]struct {
		req  SignedRequest
		code dErrors.Code
	}{
		"stale timestamp": {
			req:  sign(admin, OpTransferAdmin, transfer, now.Add(-6*time.Minute)),
			code: dErrors.CodeUnauthorized,
		},
		"future timestamp": {
			req:  sign(admin, OpTransferAdmin, transfer, now.Add(6*time.Minute)),
			code: dErrors.CodeUnauthorized,
		},
		"signed by someone else": {
			req: func() SignedRequest {
				r := sign(outsider, OpTransferAdmin, transfer, now)
				r.Envelope.Sender = admin.Address
				return r
			}(),
			code: dErrors.CodeUnauthorized,
		},
		"tampered params": {
			req: func() SignedRequest {
				r := sign(admin, OpTransferAdmin, transfer, now)
				r.Envelope.Params = json.RawMessage(`{"new_admin":"` + admin.Address + `"}`)
				return r
			}(),
			code: dErrors.CodeUnauthorized,
		},
		"missing multibase prefix": {
			req: func() SignedRequest {
				r := sign(admin, OpTransferAdmin, transfer, now)
				r.Signature = r.Signature[1:]
				return r
			}(),
			code: dErrors.CodeUnauthorized,
		},
		"valid signature but not admin": {
			req:  sign(outsider, OpTransferAdmin, transfer, now),
			code: dErrors.CodeForbidden,
		},
		"unknown operation": {
			req:  sign(admin, Op("drop_tables"), transfer, now),
			code: dErrors.CodeBadRequest,
		},
		"unknown params field": {
			req:  sign(admin, OpTransferAdmin, map[string]string{"admin": outsider.Address}, now),
			code: dErrors.CodeBadRequest,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := exec.Execute(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, tc.code), err.Error())
		})
	}
}
