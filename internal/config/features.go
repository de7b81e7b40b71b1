package config

import "github.com/spf13/viper"

// FeatureFlags is the configured on/off state of each chat feature before
// role and dependency rules are applied.
type FeatureFlags struct {
	MessageCopy      bool `mapstructure:"message_copy"`
	MessageReactions bool `mapstructure:"message_reactions"`
	CodeRendering    bool `mapstructure:"code_rendering"`
	MessageEdit      bool `mapstructure:"message_edit"`
	MessageDelete    bool `mapstructure:"message_delete"`
	AudioRecording   bool `mapstructure:"audio_recording"`
	FileUpload       bool `mapstructure:"file_upload"`
	ImageUpload      bool `mapstructure:"image_upload"`
	ChatHistory      bool `mapstructure:"chat_history"`
	ChatExport       bool `mapstructure:"chat_export"`
	TypingIndicators bool `mapstructure:"typing_indicators"`
	PersonaSelection bool `mapstructure:"persona_selection"`
	MessageSearch    bool `mapstructure:"message_search"`
}

// Features is the effective feature set for one session. It is a value:
// resolving happens once and the result never changes underneath a store.
type Features struct {
	MessageCopy      bool
	MessageReactions bool
	CodeRendering    bool
	MessageEdit      bool
	MessageDelete    bool
	AudioRecording   bool
	FileUpload       bool
	ImageUpload      bool
	ChatHistory      bool
	ChatExport       bool
	TypingIndicators bool
	PersonaSelection bool
	MessageSearch    bool
}

func setFeatureDefaults(v *viper.Viper) {
	d := DefaultFeatureFlags()
	v.SetDefault("features.message_copy", d.MessageCopy)
	v.SetDefault("features.message_reactions", d.MessageReactions)
	v.SetDefault("features.code_rendering", d.CodeRendering)
	v.SetDefault("features.message_edit", d.MessageEdit)
	v.SetDefault("features.message_delete", d.MessageDelete)
	v.SetDefault("features.audio_recording", d.AudioRecording)
	v.SetDefault("features.file_upload", d.FileUpload)
	v.SetDefault("features.image_upload", d.ImageUpload)
	v.SetDefault("features.chat_history", d.ChatHistory)
	v.SetDefault("features.chat_export", d.ChatExport)
	v.SetDefault("features.typing_indicators", d.TypingIndicators)
	v.SetDefault("features.persona_selection", d.PersonaSelection)
	v.SetDefault("features.message_search", d.MessageSearch)
}

// DefaultFeatureFlags returns the stock flag table.
func DefaultFeatureFlags() FeatureFlags {
	return FeatureFlags{
		MessageCopy:      true,
		MessageReactions: true,
		CodeRendering:    true,
		MessageEdit:      false,
		MessageDelete:    false,
		AudioRecording:   true,
		FileUpload:       true,
		ImageUpload:      true,
		ChatHistory:      true,
		ChatExport:       false,
		TypingIndicators: true,
		PersonaSelection: true,
		MessageSearch:    true,
	}
}

// Resolve applies admin-only restrictions and inter-feature dependencies.
// Message deletion and chat export are admin-only; image upload requires
// file upload; search requires chat history.
func (f FeatureFlags) Resolve(isAdmin bool) Features {
	out := Features{
		MessageCopy:      f.MessageCopy,
		MessageReactions: f.MessageReactions,
		CodeRendering:    f.CodeRendering,
		MessageEdit:      f.MessageEdit,
		MessageDelete:    f.MessageDelete && isAdmin,
		AudioRecording:   f.AudioRecording,
		FileUpload:       f.FileUpload,
		ImageUpload:      f.ImageUpload && f.FileUpload,
		ChatHistory:      f.ChatHistory,
		ChatExport:       f.ChatExport && isAdmin,
		TypingIndicators: f.TypingIndicators,
		PersonaSelection: f.PersonaSelection,
		MessageSearch:    f.MessageSearch && f.ChatHistory,
	}
	return out
}

// AllFeatures enables everything; useful for admin tooling and tests.
func AllFeatures() Features {
	return Features{
		MessageCopy:      true,
		MessageReactions: true,
		CodeRendering:    true,
		MessageEdit:      true,
		MessageDelete:    true,
		AudioRecording:   true,
		FileUpload:       true,
		ImageUpload:      true,
		ChatHistory:      true,
		ChatExport:       true,
		TypingIndicators: true,
		PersonaSelection: true,
		MessageSearch:    true,
	}
}
