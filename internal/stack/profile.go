package stack

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	medialivetypes "github.com/aws/aws-sdk-go-v2/service/medialive/types"
)

const packageDestinationID = "package-destination"

// encoderProfile returns the fixed encoder settings document attached to
// every channel. The ladder is static configuration, not computed.
func encoderProfile() *medialivetypes.EncoderSettings {
	return &medialivetypes.EncoderSettings{
		TimecodeConfig: &medialivetypes.TimecodeConfig{
			Source: medialivetypes.TimecodeConfigSourceEmbedded,
		},
		AudioDescriptions: []medialivetypes.AudioDescription{
			{
				Name:                aws.String("audio_aac"),
				AudioSelectorName:   aws.String("default"),
				AudioTypeControl:    medialivetypes.AudioDescriptionAudioTypeControlFollowInput,
				LanguageCodeControl: medialivetypes.AudioDescriptionLanguageCodeControlFollowInput,
				CodecSettings: &medialivetypes.AudioCodecSettings{
					AacSettings: &medialivetypes.AacSettings{
						Bitrate:    aws.Float64(96000),
						SampleRate: aws.Float64(48000),
					},
				},
			},
		},
		VideoDescriptions: []medialivetypes.VideoDescription{
			videoDescription("video_720p", 1280, 720, 3000000),
			videoDescription("video_480p", 854, 480, 1200000),
			videoDescription("video_240p", 426, 240, 500000),
		},
		OutputGroups: []medialivetypes.OutputGroup{
			{
				Name: aws.String("hls-package"),
				OutputGroupSettings: &medialivetypes.OutputGroupSettings{
					HlsGroupSettings: &medialivetypes.HlsGroupSettings{
						Destination: &medialivetypes.OutputLocationRef{
							DestinationRefId: aws.String(packageDestinationID),
						},
						SegmentLength: aws.Int32(4),
						HlsCdnSettings: &medialivetypes.HlsCdnSettings{
							HlsBasicPutSettings: &medialivetypes.HlsBasicPutSettings{
								ConnectionRetryInterval: aws.Int32(1),
								NumRetries:              aws.Int32(10),
							},
						},
					},
				},
				Outputs: []medialivetypes.Output{
					hlsOutput("720p", "video_720p"),
					hlsOutput("480p", "video_480p"),
					hlsOutput("240p", "video_240p"),
				},
			},
		},
	}
}

func videoDescription(name string, width, height, bitrate int32) medialivetypes.VideoDescription {
	return medialivetypes.VideoDescription{
		Name:   aws.String(name),
		Width:  aws.Int32(width),
		Height: aws.Int32(height),
		CodecSettings: &medialivetypes.VideoCodecSettings{
			H264Settings: &medialivetypes.H264Settings{
				Bitrate:           aws.Int32(bitrate),
				RateControlMode:   medialivetypes.H264RateControlModeCbr,
				GopSize:           aws.Float64(2),
				GopSizeUnits:      medialivetypes.H264GopSizeUnitsSeconds,
				FramerateControl:  medialivetypes.H264FramerateControlSpecified,
				FramerateNumerator: aws.Int32(30),
				FramerateDenominator: aws.Int32(1),
			},
		},
	}
}

func hlsOutput(nameModifier, videoDescriptionName string) medialivetypes.Output {
	return medialivetypes.Output{
		OutputName:            aws.String(nameModifier),
		VideoDescriptionName:  aws.String(videoDescriptionName),
		AudioDescriptionNames: []string{"audio_aac"},
		OutputSettings: &medialivetypes.OutputSettings{
			HlsOutputSettings: &medialivetypes.HlsOutputSettings{
				NameModifier: aws.String("_" + nameModifier),
				HlsSettings: &medialivetypes.HlsSettings{
					StandardHlsSettings: &medialivetypes.StandardHlsSettings{
						M3u8Settings: &medialivetypes.M3u8Settings{},
					},
				},
			},
		},
	}
}
