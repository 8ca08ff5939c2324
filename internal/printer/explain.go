package printer

import (
	"errors"
	"sort"
	"strconv"

	"github.com/dyluth/herald/internal/feed"
	"github.com/dyluth/herald/pkg/connection"
	"github.com/dyluth/herald/pkg/ident"
	"github.com/dyluth/herald/pkg/publish"
	"github.com/dyluth/herald/pkg/relay"
	"github.com/dyluth/herald/pkg/signer"
)

// Explain prints a known library error as a titled explanation with
// suggestions and returns the short error for Cobra. Unknown errors are
// returned unchanged.
func Explain(err error) error {
	if err == nil {
		return nil
	}

	var (
		signErr     *signer.SignError
		exhausted   *connection.ExhaustedError
		timeout     *connection.TimeoutError
		connectErr  *relay.ConnectError
		publishErr  *relay.PublishError
		queryErr    *relay.QueryError
		decodeErr   *ident.DecodeError
		notFoundErr *feed.NotFoundError
	)

	switch {
	case errors.Is(err, publish.ErrNoSigner):
		return Error(
			"no signer available",
			"Events must be signed before they are published, and no signing key was found.",
			[]string{
				"Generate a key file: herald keygen",
				"Export a secret key: export HERALD_SECRET_KEY=nsec1...",
			},
		)

	case errors.As(err, &signErr):
		return ErrorWithContext(
			"signing refused",
			"The signer declined to sign the event.",
			map[string]string{"Reason": signErr.Error()},
			[]string{"Check that the configured key is valid and readable"},
		)

	case errors.As(err, &exhausted):
		ctx := map[string]string{"Attempts": strconv.Itoa(exhausted.Attempts), "Last error": errString(exhausted.Err)}
		if errors.As(err, &connectErr) {
			mergeFailures(ctx, connectErr.Failures)
		}
		return ErrorWithContext(
			"unable to connect to relays",
			"Every connection attempt failed.",
			ctx,
			[]string{
				"Check the relay URLs in herald.yml",
				"Increase connection.retry.max_attempts or connection.connect_timeout",
			},
		)

	case errors.As(err, &timeout):
		return ErrorWithContext(
			"connection attempt timed out",
			"No relay answered within the connect timeout.",
			map[string]string{"Timeout": timeout.After.String()},
			[]string{"Increase connection.connect_timeout in herald.yml"},
		)

	case errors.As(err, &publishErr):
		ctx := map[string]string{"Event": publishErr.EventID}
		mergeFailures(ctx, publishErr.Failures)
		return ErrorWithContext(
			"event was not accepted by any relay",
			"The event was signed but no relay acknowledged it.",
			ctx,
			[]string{"Run 'herald status' to inspect relay connectivity"},
		)

	case errors.As(err, &queryErr):
		ctx := map[string]string{}
		mergeFailures(ctx, queryErr.Failures)
		return ErrorWithContext(
			"query failed on every relay",
			"No relay could answer the query.",
			ctx,
			[]string{"Run 'herald status' to inspect relay connectivity"},
		)

	case errors.As(err, &decodeErr):
		return ErrorWithContext(
			"invalid reference",
			"The reference is not a hex event id or a NIP-19 entity.",
			map[string]string{"Input": decodeErr.Input, "Error": errString(decodeErr.Err)},
			[]string{"Use a note1, nevent1, naddr1, npub1 or nprofile1 reference"},
		)

	case errors.As(err, &notFoundErr):
		return ErrorWithContext(
			"event not found",
			"No connected relay returned a matching event.",
			map[string]string{"Filter": notFoundErr.Filter.String()},
			[]string{"Check the reference, or add relay hints to it"},
		)
	}

	return err
}

func mergeFailures(ctx map[string]string, failures map[string]error) {
	urls := make([]string, 0, len(failures))
	for url := range failures {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		ctx[url] = errString(failures[url])
	}
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}
