package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"

	gateway "github.com/eugener/palantir/internal"
)

// ssoOIDCRegion pins the SSO OIDC endpoint to the region CodeWhisperer
// device registrations are issued against (oidc.us-east-1.amazonaws.com).
const ssoOIDCRegion = "us-east-1"

// awsRefresher refreshes CodeWhisperer accounts via the SSO OIDC
// refresh_token grant. The SDK client speaks the expected wire shape:
// JSON camelCase body on POST /token with the aws-sdk user agent.
type awsRefresher struct {
	client *ssooidc.Client
}

func newAWSRefresher(httpClient *http.Client) *awsRefresher {
	return &awsRefresher{
		client: ssooidc.New(ssooidc.Options{
			Region:     ssoOIDCRegion,
			HTTPClient: httpClient,
		}),
	}
}

// Refresh exchanges the account's refresh token for a fresh access token.
// CreateToken is an anonymous operation; client id/secret act as the credential.
func (r *awsRefresher) Refresh(ctx context.Context, a *gateway.Account) (*refreshResult, string, error) {
	out, err := r.client.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(a.ClientID),
		ClientSecret: aws.String(a.ClientSecret),
		GrantType:    aws.String("refresh_token"),
		RefreshToken: aws.String(a.RefreshToken),
	})
	if err != nil {
		return nil, refreshStatus(err), fmt.Errorf("sso oidc create token: %w", err)
	}
	res := &refreshResult{AccessToken: aws.ToString(out.AccessToken)}
	if out.RefreshToken != nil {
		res.RefreshToken = *out.RefreshToken
	}
	if res.AccessToken == "" {
		return nil, "failed_empty_token", fmt.Errorf("sso oidc returned empty access token")
	}
	return res, "success", nil
}

// refreshStatus maps an SDK error to the persisted status stamp:
// failed_<status> when the endpoint answered, failed_network otherwise.
func refreshStatus(err error) string {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return fmt.Sprintf("failed_%d", re.HTTPStatusCode())
	}
	return "failed_network"
}
