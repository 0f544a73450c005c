package fcm

import (
	"net/url"
	"strings"

	"firebase.google.com/go/v4/messaging"
)

// Content is what a single notification says and where a click leads.
type Content struct {
	Title     string
	Body      string
	Type      string
	RelatedID string
	// RecordID doubles as the rendering tag on the client.
	RecordID string
	Icon     string
	// Link is the click target, usually a path of the app.
	Link string
	// Origin is the public https origin of the app, used to make Link
	// absolute for the web push click.
	Origin string
}

// BuildMessage assembles the v1 message for one device token. The web push
// link is only set when it resolves to an absolute https URL, which FCM
// requires; data.url keeps the raw target for the client.
func BuildMessage(token string, c Content) *messaging.Message {
	data := map[string]string{
		"title":   c.Title,
		"message": c.Body,
		"type":    c.Type,
		"url":     c.Link,
	}
	if c.RelatedID != "" {
		data["relatedId"] = c.RelatedID
	}
	if c.RecordID != "" {
		data["id"] = c.RecordID
	}
	webpush := &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title: c.Title,
			Body:  c.Body,
			Icon:  c.Icon,
			Tag:   c.RecordID,
		},
	}
	if link := WebLink(c.Origin, c.Link); link != "" {
		webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: link}
	}
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: c.Title,
			Body:  c.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Icon:        c.Icon,
				ClickAction: c.Link,
			},
		},
		Webpush: webpush,
	}
}

// WebLink resolves link against origin and returns it only if the result
// is an absolute https URL.
func WebLink(origin, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		link = "/"
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if !ref.IsAbs() {
		base, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || !base.IsAbs() {
			return ""
		}
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "https" || ref.Host == "" {
		return ""
	}
	return ref.String()
}
