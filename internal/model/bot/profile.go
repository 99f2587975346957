package bot

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

// Profile captures the bot attributes exposed to the frontend.
type Profile struct {
	Name          string `json:"name" yaml:"name"`
	Tagline       string `json:"tagline" yaml:"tagline"`
	Greeting      string `json:"greeting" yaml:"greeting"`
	SignedOutHint string `json:"signedOutHint" yaml:"signedOutHint"`
	DefaultAvatar string `json:"defaultAvatar" yaml:"defaultAvatar"`
}

// Default provides the built-in CyberQ profile.
func Default() Profile {
	return Profile{
		Name:          "CyberQ",
		Tagline:       "Your digital companion",
		Greeting:      "Welcome to CyberQ chatbot!",
		SignedOutHint: "Please sign in to start chatting.",
		DefaultAvatar: "/default-avatar.png",
	}
}

// Load reads a YAML profile. Fields left empty fall back to Default.
func Load(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read bot profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("parse bot profile %s: %w", path, err)
	}
	return p.withDefaults(), nil
}

func (p Profile) withDefaults() Profile {
	def := Default()
	if strings.TrimSpace(p.Name) == "" {
		p.Name = def.Name
	}
	if strings.TrimSpace(p.Tagline) == "" {
		p.Tagline = def.Tagline
	}
	if strings.TrimSpace(p.Greeting) == "" {
		p.Greeting = def.Greeting
	}
	if strings.TrimSpace(p.SignedOutHint) == "" {
		p.SignedOutHint = def.SignedOutHint
	}
	if strings.TrimSpace(p.DefaultAvatar) == "" {
		p.DefaultAvatar = def.DefaultAvatar
	}
	return p
}

// Welcome renders the empty-conversation banner for the given user.
func (p Profile) Welcome(user *chat.UserIdentity) string {
	if user == nil {
		return p.Greeting + " " + p.SignedOutHint
	}
	return fmt.Sprintf("%s Hi %s!", p.Greeting, firstName(user.DisplayName))
}

// AvatarFor returns the avatar to render for a user.
func (p Profile) AvatarFor(user *chat.UserIdentity) string {
	if user == nil || user.AvatarURL == "" {
		return p.DefaultAvatar
	}
	return user.AvatarURL
}

func firstName(displayName string) string {
	fields := strings.Fields(displayName)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
