package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	fcmScope    = "https://www.googleapis.com/auth/firebase.messaging"
	fcmEndpoint = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

	// error bodies are cut to this size before they reach the logs.
	maxErrBodyBytes = 1024
)

// FCM sends notifications through the Firebase Cloud Messaging HTTP v1 API.
type FCM struct {
	client   *http.Client
	endpoint string
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

// NewFCM authenticates with a service account json key.
func NewFCM(ctx context.Context, projectId string, credentialsJSON []byte) (*FCM, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("fcm credentials: %w", err)
	}
	return newFCM(oauth2.NewClient(ctx, creds.TokenSource), fmt.Sprintf(fcmEndpoint, projectId)), nil
}

func newFCM(client *http.Client, endpoint string) *FCM {
	return &FCM{client: client, endpoint: endpoint}
}

func (f *FCM) SendToToken(ctx context.Context, token, title, body string, data map[string]string) error {
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(&fcmRequest{
		Message: fcmMessage{
			Token:        token,
			Notification: fcmNotification{Title: title, Body: body},
			Data:         data,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
		return fmt.Errorf("fcm send failed: %d %s - %s", resp.StatusCode, http.StatusText(resp.StatusCode), msg)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
