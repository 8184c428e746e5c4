// Package gmail is a narrow Gmail API client used by the mail sync executor.
//
// It lists message IDs matching a search query and fetches message metadata
// (headers, labels, history ID). Message bodies are never downloaded.
//
// Example usage:
//
//	httpClient, err := google.HTTPClient(ctx, conf, provider, account)
//	if err != nil {
//	    return err
//	}
//	client, err := gmail.NewClient(ctx, account, option.WithHTTPClient(httpClient))
//	if err != nil {
//	    return err
//	}
//	ids, err := client.ListMessageIDs(ctx, "after:1735689600", 500)
package gmail
