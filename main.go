package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yutopp/go-amf0"

	"rtmppush/config"
	"rtmppush/httpServer"
	"rtmppush/internal/flv"
	"rtmppush/internal/metrics"
	"rtmppush/pkg/models"
	"rtmppush/pkg/push"
)

func main() {
	log.Println("Starting rtmppush...")

	cfg := config.Load()
	if cfg.InputFile == "" {
		log.Fatal("INPUT_FILE must point to an FLV file")
	}
	log.Printf("Publish URL: %s", cfg.PublishURL)
	log.Printf("Input: %s", cfg.InputFile)

	file, err := os.Open(cfg.InputFile)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer file.Close()

	demux, err := flv.NewDemuxer(file)
	if err != nil {
		log.Fatalf("Failed to read FLV input: %v", err)
	}

	m := metrics.New()
	pusher, err := push.Open(push.Config{
		URL:            cfg.PublishURL,
		ChunkSize:      uint32(cfg.ChunkSize),
		ConnectTimeout: cfg.ConnectTimeout,
		Metrics:        m,
	})
	if err != nil {
		log.Fatalf("Failed to open push session: %v", err)
	}

	// scan the file head for codec configuration, then rewind the buffered
	// tags into the push loop
	buffered, err := configureTracks(demux, pusher)
	if err != nil {
		log.Fatalf("Failed to configure tracks: %v", err)
	}

	// close on SIGINT/SIGTERM, which also cancels a blocked connect
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Println("Shutting down...")
		pusher.Close()
	}()

	if cfg.HTTPAddr != "" {
		srv := httpServer.New(pusher)
		go func() {
			log.Printf("Stats server listening on %s", cfg.HTTPAddr)
			if err := srv.Run(cfg.HTTPAddr); err != nil {
				log.Fatalf("HTTP server failed: %v", err)
			}
		}()
	}

	if err := pusher.Connect(context.Background()); err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	log.Println("Connected, pushing media...")

	if err := pushTags(pusher, demux, buffered, cfg.Realtime); err != nil {
		log.Fatalf("Push failed: %v", err)
	}

	pusher.Close()
	log.Println("Done")
}

// configureTracks reads tags until both sequence headers are seen (or media
// starts), sets the track info on the pusher and returns the tags that must
// still be pushed.
func configureTracks(demux *flv.Demuxer, pusher *push.Pusher) ([]*flv.Tag, error) {
	var buffered []*flv.Tag
	var audioSet, videoSet bool

	for i := 0; i < 64 && !(audioSet && videoSet); i++ {
		tag, err := demux.ReadTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buffered = append(buffered, tag)

		switch tag.Type {
		case flv.TagTypeVideo:
			if videoSet || len(tag.Data) < 5 || tag.Data[0]&0x0F != 7 || tag.Data[1] != 0 {
				continue
			}
			sps, pps, err := flv.ParseDecoderConfigurationRecord(tag.Data[5:])
			if err != nil {
				return nil, err
			}
			info := models.VideoInfo{
				Codec:         models.VideoCodecH264,
				CodecSpecInfo: flv.AnnexBFromParameterSets(sps, pps),
			}
			applyMetaVideo(&info, buffered)
			if err := pusher.SetVideoInfo(info); err != nil {
				return nil, err
			}
			videoSet = true
		case flv.TagTypeAudio:
			if audioSet || len(tag.Data) < 2 || tag.Data[0]>>4 != 10 || tag.Data[1] != 0 {
				continue
			}
			info := models.AudioInfo{
				Codec:         models.AudioCodecAAC,
				Channels:      2,
				BitsPerSample: 16,
				SampleRate:    44100,
				CodecSpecInfo: append([]byte(nil), tag.Data[2:]...),
			}
			applyMetaAudio(&info, buffered)
			if err := pusher.SetAudioInfo(info); err != nil {
				return nil, err
			}
			audioSet = true
		}
	}
	if !audioSet && !videoSet {
		log.Fatal("No AAC/H.264 sequence headers found in input")
	}
	return buffered, nil
}

// decodeMeta extracts the onMetaData object from a buffered script tag.
func decodeMeta(buffered []*flv.Tag) map[string]interface{} {
	for _, tag := range buffered {
		if tag.Type != flv.TagTypeScript {
			continue
		}
		dec := amf0.NewDecoder(bytes.NewReader(tag.Data))
		var name string
		if err := dec.Decode(&name); err != nil {
			continue
		}
		if name == "@setDataFrame" {
			if err := dec.Decode(&name); err != nil {
				continue
			}
		}
		if name != "onMetaData" {
			continue
		}
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err == nil {
			return obj
		}
	}
	return nil
}

func applyMetaVideo(info *models.VideoInfo, buffered []*flv.Tag) {
	meta := decodeMeta(buffered)
	if v, ok := meta["width"].(float64); ok {
		info.Width = int(v)
	}
	if v, ok := meta["height"].(float64); ok {
		info.Height = int(v)
	}
	if v, ok := meta["framerate"].(float64); ok {
		info.FPS = int(v)
	}
}

func applyMetaAudio(info *models.AudioInfo, buffered []*flv.Tag) {
	meta := decodeMeta(buffered)
	if v, ok := meta["audiosamplerate"].(float64); ok {
		info.SampleRate = int(v)
	}
	if v, ok := meta["stereo"].(bool); ok && !v {
		info.Channels = 1
	}
}

// pushTags replays the buffered tags and streams the rest of the file.
func pushTags(pusher *push.Pusher, demux *flv.Demuxer, buffered []*flv.Tag, realtime bool) error {
	start := time.Now()
	var baseTS uint32

	pushOne := func(tag *flv.Tag) error {
		if realtime {
			due := time.Duration(tag.Timestamp-baseTS) * time.Millisecond
			if elapsed := time.Since(start); due > elapsed {
				time.Sleep(due - elapsed)
			}
		}
		switch tag.Type {
		case flv.TagTypeVideo:
			if len(tag.Data) < 5 || tag.Data[0]&0x0F != 7 || tag.Data[1] != 1 {
				return nil // sequence headers are re-emitted by the packetizer
			}
			payload, err := flv.ConvertAVCCToAnnexB(tag.Data[5:])
			if err != nil {
				log.Warnf("Skipping bad video tag at %d: %v", tag.Timestamp, err)
				return nil
			}
			return pusher.PushVideo(models.VideoFrame{
				PTS:      tag.Timestamp,
				KeyFrame: tag.Data[0]>>4 == 1,
				Payload:  payload,
			})
		case flv.TagTypeAudio:
			if len(tag.Data) < 2 {
				return nil
			}
			payload := tag.Data[1:]
			if tag.Data[0]>>4 == 10 {
				if tag.Data[1] == 0 {
					return nil // AAC sequence header handled at configure time
				}
				payload = tag.Data[2:]
			}
			return pusher.PushAudio(models.AudioFrame{
				PTS:     tag.Timestamp,
				Payload: payload,
			})
		}
		return nil
	}

	for _, tag := range buffered {
		if err := pushOne(tag); err != nil {
			return err
		}
	}
	for {
		tag, err := demux.ReadTag()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := pushOne(tag); err != nil {
			return err
		}
	}
}
