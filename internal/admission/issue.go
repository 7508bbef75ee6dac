package admission

import (
	"context"
	"errors"
	"net/http"

	"formgate/internal/admission/challenge"
	"formgate/internal/admission/csrf"
	"formgate/internal/admission/origin"
	"formgate/internal/admission/settings"
	dErrors "formgate/pkg/domain-errors"
)

// IssueToken mints a CSRF token bound to the form's identifier and the
// request origin. The form and its organization must be active and the
// origin must pass the whitelist.
func (p *Pipeline) IssueToken(ctx context.Context, identifier string, header http.Header) (csrf.Token, error) {
	form, org, rej := p.loadForm(ctx, identifier)
	if rej != nil {
		return csrf.Token{}, rej
	}
	if !p.deps.CSRF.Enabled() {
		return csrf.Token{}, reject(KindNotConfigured)
	}

	eff := settings.Resolve(form, org, p.cfg.Defaults)
	reqOrigin, ok := origin.Resolve(header, eff.RefererFallbackEnabled)
	if !ok {
		return csrf.Token{}, reject(KindOriginRequired)
	}
	allowed, err := p.originAllowed(ctx, org.ID, reqOrigin)
	if err != nil {
		return csrf.Token{}, fault(KindLookupFailed, err)
	}
	if !allowed {
		return csrf.Token{}, reject(KindOriginNotWhitelisted)
	}

	tok, err := p.deps.CSRF.Issue(ctx, form.Identifier, reqOrigin)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotConfigured) {
			return csrf.Token{}, reject(KindNotConfigured)
		}
		return csrf.Token{}, fault(KindLookupFailed, err)
	}
	if p.metrics != nil {
		p.metrics.IncrementCSRFIssued()
	}
	return tok, nil
}

// IssueChallenge returns a proof-of-work challenge for an active form.
func (p *Pipeline) IssueChallenge(ctx context.Context, identifier string) (challenge.Challenge, error) {
	if _, _, rej := p.loadForm(ctx, identifier); rej != nil {
		return challenge.Challenge{}, rej
	}
	ch, err := p.deps.Challenge.Issue(ctx)
	if err != nil {
		if errors.Is(err, challenge.ErrNotConfigured) || dErrors.HasCode(err, dErrors.CodeNotConfigured) {
			return challenge.Challenge{}, reject(KindNotConfigured)
		}
		return challenge.Challenge{}, fault(KindLookupFailed, err)
	}
	if p.metrics != nil {
		p.metrics.IncrementChallengesIssued()
	}
	return ch, nil
}
