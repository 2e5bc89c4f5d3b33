package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the complete configuration for training and synthesis. A
// checkpoint bundles the snapshot that produced it; compatibility between a
// checkpoint and a running process is governed solely by this snapshot.
type Config struct {
	Audio      AudioConfig `mapstructure:"audio" json:"audio"`
	Model      ModelConfig `mapstructure:"model" json:"model"`
	Train      TrainConfig `mapstructure:"train" json:"train"`
	Paths      PathsConfig `mapstructure:"paths" json:"paths"`
	Characters string      `mapstructure:"characters" json:"characters"`
	PadToken   string      `mapstructure:"pad_token" json:"pad_token"`
	LogLevel   string      `mapstructure:"log_level" json:"log_level"`
}

// AudioConfig fixes the spectral front end. Every mel spectrogram in the
// system (training targets, synthesized output, vocoder input) must share
// exactly one of these; mixing configurations silently corrupts alignment.
type AudioConfig struct {
	SampleRate int     `mapstructure:"sample_rate" json:"sample_rate"`
	NFFT       int     `mapstructure:"n_fft" json:"n_fft"`
	HopLength  int     `mapstructure:"hop_length" json:"hop_length"`
	WinLength  int     `mapstructure:"win_length" json:"win_length"`
	NMels      int     `mapstructure:"n_mels" json:"n_mels"`
	MelFmin    float64 `mapstructure:"mel_fmin" json:"mel_fmin"`
	MelFmax    float64 `mapstructure:"mel_fmax" json:"mel_fmax"`
}

type ModelConfig struct {
	EncoderEmbeddingDim int `mapstructure:"encoder_embedding_dim" json:"encoder_embedding_dim"`
	EncoderNConvs       int `mapstructure:"encoder_n_convolutions" json:"encoder_n_convolutions"`
	EncoderKernelSize   int `mapstructure:"encoder_kernel_size" json:"encoder_kernel_size"`

	AttentionRNNDim             int `mapstructure:"attention_rnn_dim" json:"attention_rnn_dim"`
	AttentionDim                int `mapstructure:"attention_dim" json:"attention_dim"`
	AttentionLocationNFilters   int `mapstructure:"attention_location_n_filters" json:"attention_location_n_filters"`
	AttentionLocationKernelSize int `mapstructure:"attention_location_kernel_size" json:"attention_location_kernel_size"`

	DecoderRNNDim     int     `mapstructure:"decoder_rnn_dim" json:"decoder_rnn_dim"`
	PrenetDim         int     `mapstructure:"prenet_dim" json:"prenet_dim"`
	MaxDecoderSteps   int     `mapstructure:"max_decoder_steps" json:"max_decoder_steps"`
	GateThreshold     float64 `mapstructure:"gate_threshold" json:"gate_threshold"`
	PAttentionDropout float64 `mapstructure:"p_attention_dropout" json:"p_attention_dropout"`
	PDecoderDropout   float64 `mapstructure:"p_decoder_dropout" json:"p_decoder_dropout"`

	PostnetEmbeddingDim int `mapstructure:"postnet_embedding_dim" json:"postnet_embedding_dim"`
	PostnetKernelSize   int `mapstructure:"postnet_kernel_size" json:"postnet_kernel_size"`
	PostnetNConvs       int `mapstructure:"postnet_n_convolutions" json:"postnet_n_convolutions"`
}

type TrainConfig struct {
	BatchSize       int     `mapstructure:"batch_size" json:"batch_size"`
	LearningRate    float64 `mapstructure:"learning_rate" json:"learning_rate"`
	WeightDecay     float64 `mapstructure:"weight_decay" json:"weight_decay"`
	Epochs          int     `mapstructure:"epochs" json:"epochs"`
	GradClipThresh  float64 `mapstructure:"grad_clip_thresh" json:"grad_clip_thresh"`
	CheckpointEvery int     `mapstructure:"checkpoint_every" json:"checkpoint_every"`
}

type PathsConfig struct {
	DataPath      string `mapstructure:"data_path" json:"data_path"`
	CheckpointDir string `mapstructure:"checkpoint_dir" json:"checkpoint_dir"`
	OutputDir     string `mapstructure:"output_dir" json:"output_dir"`
}

// VocabSize returns the symbol count including the reserved pad index.
func (c Config) VocabSize() int64 {
	return int64(len([]rune(c.Characters))) + 1
}

func DefaultConfig() Config {
	return Config{
		Audio: AudioConfig{
			SampleRate: 22050,
			NFFT:       1024,
			HopLength:  256,
			WinLength:  1024,
			NMels:      80,
			MelFmin:    0.0,
			MelFmax:    8000.0,
		},
		Model: ModelConfig{
			EncoderEmbeddingDim:         512,
			EncoderNConvs:               3,
			EncoderKernelSize:           5,
			AttentionRNNDim:             1024,
			AttentionDim:                128,
			AttentionLocationNFilters:   32,
			AttentionLocationKernelSize: 31,
			DecoderRNNDim:               1024,
			PrenetDim:                   256,
			MaxDecoderSteps:             1000,
			GateThreshold:               0.5,
			PAttentionDropout:           0.1,
			PDecoderDropout:             0.1,
			PostnetEmbeddingDim:         512,
			PostnetKernelSize:           5,
			PostnetNConvs:               5,
		},
		Train: TrainConfig{
			BatchSize:       16,
			LearningRate:    1e-3,
			WeightDecay:     1e-6,
			Epochs:          500,
			GradClipThresh:  1.0,
			CheckpointEvery: 10,
		},
		Paths: PathsConfig{
			DataPath:      "datasets/data/processed/metadata.txt",
			CheckpointDir: "models/checkpoints",
			OutputDir:     "models/output",
		},
		Characters: "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 .,!?'-",
		PadToken:   "_",
		LogLevel:   "info",
	}
}

// Validate rejects configurations that would produce silently-wrong-shaped
// tensors downstream.
func (c Config) Validate() error {
	a := c.Audio
	if a.SampleRate <= 0 || a.NFFT <= 0 || a.HopLength <= 0 || a.WinLength <= 0 || a.NMels <= 0 {
		return errors.New("config: audio dimensions must be positive")
	}

	if a.HopLength > a.WinLength || a.WinLength > a.NFFT {
		return fmt.Errorf("config: require hop_length <= win_length <= n_fft, got %d/%d/%d", a.HopLength, a.WinLength, a.NFFT)
	}

	if a.MelFmax <= a.MelFmin {
		return fmt.Errorf("config: mel_fmax %f must exceed mel_fmin %f", a.MelFmax, a.MelFmin)
	}

	m := c.Model
	if m.EncoderEmbeddingDim <= 0 || m.EncoderEmbeddingDim%2 != 0 {
		return fmt.Errorf("config: encoder_embedding_dim must be positive and even for the bidirectional split, got %d", m.EncoderEmbeddingDim)
	}

	if m.EncoderKernelSize%2 == 0 || m.PostnetKernelSize%2 == 0 || m.AttentionLocationKernelSize%2 == 0 {
		return errors.New("config: convolution kernel sizes must be odd for same padding")
	}

	if m.MaxDecoderSteps <= 0 {
		return fmt.Errorf("config: max_decoder_steps must be positive, got %d", m.MaxDecoderSteps)
	}

	if m.GateThreshold <= 0 || m.GateThreshold >= 1 {
		return fmt.Errorf("config: gate_threshold must be in (0, 1), got %f", m.GateThreshold)
	}

	if m.PostnetNConvs < 2 {
		return fmt.Errorf("config: postnet_n_convolutions must be >= 2, got %d", m.PostnetNConvs)
	}

	if c.VocabSize() < 2 {
		return errors.New("config: character set must not be empty")
	}

	return nil
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.Int("audio-sample-rate", defaults.Audio.SampleRate, "Audio sample rate in Hz")
	fs.Int("audio-n-mels", defaults.Audio.NMels, "Number of mel bands")
	fs.Int("audio-n-fft", defaults.Audio.NFFT, "FFT size")
	fs.Int("audio-hop-length", defaults.Audio.HopLength, "STFT hop length in samples")
	fs.Int("audio-win-length", defaults.Audio.WinLength, "STFT window length in samples")
	fs.Int("train-batch-size", defaults.Train.BatchSize, "Training batch size")
	fs.Float64("train-learning-rate", defaults.Train.LearningRate, "Adam learning rate")
	fs.Int("train-epochs", defaults.Train.Epochs, "Number of training epochs")
	fs.Int("train-checkpoint-every", defaults.Train.CheckpointEvery, "Checkpoint interval in epochs")
	fs.String("paths-data-path", defaults.Paths.DataPath, "Pipe-delimited training manifest path")
	fs.String("paths-checkpoint-dir", defaults.Paths.CheckpointDir, "Directory for periodic checkpoints")
	fs.String("paths-output-dir", defaults.Paths.OutputDir, "Directory for final/best models and plots")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("VOICECRAFT")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("voicecraft")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.n_fft", c.Audio.NFFT)
	v.SetDefault("audio.hop_length", c.Audio.HopLength)
	v.SetDefault("audio.win_length", c.Audio.WinLength)
	v.SetDefault("audio.n_mels", c.Audio.NMels)
	v.SetDefault("audio.mel_fmin", c.Audio.MelFmin)
	v.SetDefault("audio.mel_fmax", c.Audio.MelFmax)
	v.SetDefault("model.encoder_embedding_dim", c.Model.EncoderEmbeddingDim)
	v.SetDefault("model.encoder_n_convolutions", c.Model.EncoderNConvs)
	v.SetDefault("model.encoder_kernel_size", c.Model.EncoderKernelSize)
	v.SetDefault("model.attention_rnn_dim", c.Model.AttentionRNNDim)
	v.SetDefault("model.attention_dim", c.Model.AttentionDim)
	v.SetDefault("model.attention_location_n_filters", c.Model.AttentionLocationNFilters)
	v.SetDefault("model.attention_location_kernel_size", c.Model.AttentionLocationKernelSize)
	v.SetDefault("model.decoder_rnn_dim", c.Model.DecoderRNNDim)
	v.SetDefault("model.prenet_dim", c.Model.PrenetDim)
	v.SetDefault("model.max_decoder_steps", c.Model.MaxDecoderSteps)
	v.SetDefault("model.gate_threshold", c.Model.GateThreshold)
	v.SetDefault("model.p_attention_dropout", c.Model.PAttentionDropout)
	v.SetDefault("model.p_decoder_dropout", c.Model.PDecoderDropout)
	v.SetDefault("model.postnet_embedding_dim", c.Model.PostnetEmbeddingDim)
	v.SetDefault("model.postnet_kernel_size", c.Model.PostnetKernelSize)
	v.SetDefault("model.postnet_n_convolutions", c.Model.PostnetNConvs)
	v.SetDefault("train.batch_size", c.Train.BatchSize)
	v.SetDefault("train.learning_rate", c.Train.LearningRate)
	v.SetDefault("train.weight_decay", c.Train.WeightDecay)
	v.SetDefault("train.epochs", c.Train.Epochs)
	v.SetDefault("train.grad_clip_thresh", c.Train.GradClipThresh)
	v.SetDefault("train.checkpoint_every", c.Train.CheckpointEvery)
	v.SetDefault("paths.data_path", c.Paths.DataPath)
	v.SetDefault("paths.checkpoint_dir", c.Paths.CheckpointDir)
	v.SetDefault("paths.output_dir", c.Paths.OutputDir)
	v.SetDefault("characters", c.Characters)
	v.SetDefault("pad_token", c.PadToken)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("audio.sample_rate", "audio-sample-rate")
	v.RegisterAlias("audio.n_mels", "audio-n-mels")
	v.RegisterAlias("audio.n_fft", "audio-n-fft")
	v.RegisterAlias("audio.hop_length", "audio-hop-length")
	v.RegisterAlias("audio.win_length", "audio-win-length")
	v.RegisterAlias("train.batch_size", "train-batch-size")
	v.RegisterAlias("train.learning_rate", "train-learning-rate")
	v.RegisterAlias("train.epochs", "train-epochs")
	v.RegisterAlias("train.checkpoint_every", "train-checkpoint-every")
	v.RegisterAlias("paths.data_path", "paths-data-path")
	v.RegisterAlias("paths.checkpoint_dir", "paths-checkpoint-dir")
	v.RegisterAlias("paths.output_dir", "paths-output-dir")
	v.RegisterAlias("log_level", "log-level")
}
