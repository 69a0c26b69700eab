package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"piecestream/internal/domain"
)

// Repository stores torrent records, keyed by torrent id, so that torrents
// added through the API survive a restart.
type Repository struct {
	collection *mongo.Collection
}

type fileDoc struct {
	Index          int    `bson:"index"`
	Path           string `bson:"path"`
	Offset         int64  `bson:"offset"`
	Length         int64  `bson:"length"`
	BytesCompleted int64  `bson:"bytesCompleted,omitempty"`
}

type torrentDoc struct {
	ID         string    `bson:"_id"`
	Name       string    `bson:"name"`
	Status     string    `bson:"status"`
	InfoHash   string    `bson:"infoHash"`
	Magnet     string    `bson:"magnet"`
	Torrent    string    `bson:"torrent"`
	Files      []fileDoc `bson:"files"`
	TotalBytes int64     `bson:"totalBytes"`
	Progress   float64   `bson:"progress"` // 0.0-1.0, from per-file completion
	CreatedAt  int64     `bson:"createdAt"`
	UpdatedAt  int64     `bson:"updatedAt"`
}

type torrentUpdateDoc struct {
	Name       string    `bson:"name"`
	Status     string    `bson:"status"`
	InfoHash   string    `bson:"infoHash"`
	Magnet     string    `bson:"magnet"`
	Torrent    string    `bson:"torrent"`
	Files      []fileDoc `bson:"files"`
	TotalBytes int64     `bson:"totalBytes"`
	Progress   float64   `bson:"progress"`
	UpdatedAt  int64     `bson:"updatedAt"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *Repository) Create(ctx context.Context, t domain.TorrentRecord) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := r.collection.InsertOne(ctx, toDoc(t))
	if err != nil && mongo.IsDuplicateKeyError(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *Repository) Update(ctx context.Context, t domain.TorrentRecord) error {
	filter := bson.M{"_id": string(t.ID)}
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": toUpdateDoc(t)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	var doc torrentDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.TorrentRecord{}, domain.ErrNotFound
		}
		return domain.TorrentRecord{}, err
	}
	return fromDoc(doc), nil
}

// List returns every record, oldest first.
func (r *Repository) List(ctx context.Context) ([]domain.TorrentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []torrentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func (r *Repository) Delete(ctx context.Context, id domain.TorrentID) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func toFileDocs(files []domain.FileRef) []fileDoc {
	docs := make([]fileDoc, 0, len(files))
	for _, f := range files {
		docs = append(docs, fileDoc{
			Index:          f.Index,
			Path:           f.Path,
			Offset:         f.Offset,
			Length:         f.Length,
			BytesCompleted: f.BytesCompleted,
		})
	}
	return docs
}

func toDoc(t domain.TorrentRecord) torrentDoc {
	return torrentDoc{
		ID:         string(t.ID),
		Name:       t.Name,
		Status:     string(t.Status),
		InfoHash:   string(t.InfoHash),
		Magnet:     t.Source.Magnet,
		Torrent:    t.Source.Torrent,
		Files:      toFileDocs(t.Files),
		TotalBytes: t.TotalBytes,
		Progress:   progressOfRecord(t),
		CreatedAt:  t.CreatedAt.Unix(),
		UpdatedAt:  t.UpdatedAt.Unix(),
	}
}

func toUpdateDoc(t domain.TorrentRecord) torrentUpdateDoc {
	return torrentUpdateDoc{
		Name:       t.Name,
		Status:     string(t.Status),
		InfoHash:   string(t.InfoHash),
		Magnet:     t.Source.Magnet,
		Torrent:    t.Source.Torrent,
		Files:      toFileDocs(t.Files),
		TotalBytes: t.TotalBytes,
		Progress:   progressOfRecord(t),
		UpdatedAt:  t.UpdatedAt.Unix(),
	}
}

func fromDoc(doc torrentDoc) domain.TorrentRecord {
	files := make([]domain.FileRef, 0, len(doc.Files))
	for _, f := range doc.Files {
		files = append(files, domain.FileRef{
			Index:          f.Index,
			Path:           f.Path,
			Offset:         f.Offset,
			Length:         f.Length,
			BytesCompleted: f.BytesCompleted,
		})
	}

	return domain.TorrentRecord{
		ID:         domain.TorrentID(doc.ID),
		Name:       doc.Name,
		Status:     domain.TorrentStatus(doc.Status),
		InfoHash:   domain.InfoHash(doc.InfoHash),
		Source:     domain.TorrentSource{Magnet: doc.Magnet, Torrent: doc.Torrent},
		Files:      files,
		TotalBytes: doc.TotalBytes,
		CreatedAt:  timeFromUnix(doc.CreatedAt),
		UpdatedAt:  timeFromUnix(doc.UpdatedAt),
	}
}

func fromDocs(docs []torrentDoc) []domain.TorrentRecord {
	records := make([]domain.TorrentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromDoc(doc))
	}
	return records
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func progressOfRecord(r domain.TorrentRecord) float64 {
	if r.TotalBytes <= 0 {
		return 0
	}
	var done int64
	for _, f := range r.Files {
		done += f.BytesCompleted
	}
	p := float64(done) / float64(r.TotalBytes)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
