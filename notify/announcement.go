// Package notify turns a verified stream.online event into announcements and fans them out
// to every subscribed destination.
package notify

import (
	"fmt"
	"time"
)

// Twitch's lilac.
const AnnouncementColor = 0xB9A3E3

const twitchLogoURL = "https://i.imgur.com/esBdzQP.png"

// Event is a verified, deduplicated "channel went live" notification.
type Event struct {
	NotificationID   string
	BroadcasterID    string
	BroadcasterLogin string
	BroadcasterName  string
	StartedAt        time.Time
}

// Field is one name/value row of an announcement.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Announcement is the platform-neutral message delivered to a destination.
type Announcement struct {
	Content      string // plain text above the embed, e.g. "@everyone"
	Title        string
	URL          string
	Author       string
	ThumbnailURL string
	Color        int
	Fields       []Field
	Timestamp    time.Time
}

// NewAnnouncement formats the live announcement for ev. Date and time are rendered in UTC.
func NewAnnouncement(ev Event, author string) Announcement {
	name := ev.BroadcasterName
	if name == "" {
		name = ev.BroadcasterLogin
	}
	started := ev.StartedAt.UTC()
	a := Announcement{
		Content:      "@everyone",
		Title:        fmt.Sprintf("%s is live NOW on Twitch!", name),
		URL:          "https://www.twitch.tv/" + ev.BroadcasterLogin,
		Author:       author,
		ThumbnailURL: twitchLogoURL,
		Color:        AnnouncementColor,
		Timestamp:    started,
	}
	if !started.IsZero() {
		a.Fields = []Field{
			{Name: "Stream Date:", Value: started.Format("Mon Jan 02 2006")},
			{Name: "Stream Start Time:", Value: started.Format("15:04:05 MST")},
		}
	}
	return a
}
